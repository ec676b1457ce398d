package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/kauth/internal/authkit"
	"github.com/tyemirov/kauth/internal/authkitpg"
	"github.com/tyemirov/kauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "kauth",
		Short:   "Auth service with Kakao sign-in, access tokens, and revocable refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().String("jwt_issuer", defaultJWTIssuer, "Issuer claim stamped on every token")
	rootCmd.Flags().Duration("access_ttl", 5*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("kakao_user_info_url", authkit.DefaultKakaoUserInfoURL, "Kakao user info endpoint")
	rootCmd.Flags().Duration("provider_timeout", authkit.DefaultProviderTimeout, "Timeout for a single identity provider lookup")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google sign-in exchanges")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("storage_backend", "", "Storage backend: memory, gorm, or pgx; derived from database_url when empty")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr",
		"jwt_signing_key",
		"jwt_issuer",
		"access_ttl",
		"refresh_ttl",
		"kakao_user_info_url",
		"provider_timeout",
		"google_web_client_id",
		"nonce_ttl",
		"database_url",
		"storage_backend",
		"enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultJWTIssuer = "kauth"
	defaultNonceTTL  = 5 * time.Minute

	storageBackendMemory = "memory"
	storageBackendGorm   = "gorm"
	storageBackendPgx    = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidKakaoURL         = "config.invalid_kakao_user_info_url"
	configCodeInvalidStorageBackend   = "config.invalid_storage_backend"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		jwtIssuer = defaultJWTIssuer
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	kakaoUserInfoURL := strings.TrimSpace(viper.GetString("kakao_user_info_url"))
	if kakaoUserInfoURL == "" {
		kakaoUserInfoURL = authkit.DefaultKakaoUserInfoURL
	}
	parsedKakaoURL, parseErr := url.Parse(kakaoUserInfoURL)
	if parseErr != nil || (parsedKakaoURL.Scheme != "https" && parsedKakaoURL.Scheme != "http") || parsedKakaoURL.Host == "" {
		return authkit.ServerConfig{}, configError(configCodeInvalidKakaoURL, "kakao_user_info_url must be an absolute http(s) URL")
	}

	providerTimeout := authkit.DefaultProviderTimeout
	if configuredTimeout := viper.GetDuration("provider_timeout"); configuredTimeout > 0 {
		providerTimeout = configuredTimeout
	}

	nonceTTL := defaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		JWTSigningKey:     []byte(jwtSigningKey),
		JWTIssuer:         jwtIssuer,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		ProviderTimeout:   providerTimeout,
		KakaoUserInfoURL:  kakaoUserInfoURL,
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		NonceTTL:          nonceTTL,
	}, nil
}

// resolveStorageBackend picks the store implementation; an empty backend means memory
// without a database URL and GORM with one.
func resolveStorageBackend(backend string, databaseURL string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(backend))
	hasURL := strings.TrimSpace(databaseURL) != ""
	switch normalized {
	case "":
		if hasURL {
			return storageBackendGorm, nil
		}
		return storageBackendMemory, nil
	case storageBackendMemory:
		return storageBackendMemory, nil
	case storageBackendGorm, storageBackendPgx:
		if !hasURL {
			return "", configError(configCodeMissingDatabaseURL, fmt.Sprintf("database_url must be provided for storage_backend %s", normalized))
		}
		return normalized, nil
	default:
		return "", configError(configCodeInvalidStorageBackend, fmt.Sprintf("unsupported storage_backend %q", backend))
	}
}

func openStore(ctx context.Context, logger *zap.Logger, backend string, databaseURL string, clock authkit.Clock) (authkit.Store, func(), error) {
	switch backend {
	case storageBackendGorm:
		databaseStore, storeErr := authkit.NewDatabaseStore(ctx, databaseURL, clock)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using gorm store", zap.String("driver", databaseStore.Driver()))
		return databaseStore, func() {}, nil
	case storageBackendPgx:
		postgresStore, pool, storeErr := authkitpg.OpenStore(ctx, databaseURL)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using pgx store")
		return postgresStore, pool.Close, nil
	default:
		logger.Info("using in-memory store")
		return authkit.NewMemoryStore(clock), func() {}, nil
	}
}

type routerDependencies struct {
	Logger          *zap.Logger
	Config          authkit.ServerConfig
	Store           authkit.Store
	Clock           authkit.Clock
	GoogleValidator authkit.GoogleTokenValidator
	Registry        *prometheus.Registry
	CORSOrigins     []string
	EnableCORS      bool
}

func buildRouter(dependencies routerDependencies) (*gin.Engine, error) {
	logger := dependencies.Logger
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if dependencies.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, dependencies.CORSOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(dependencies.Registry)
	if metricsErr != nil {
		return nil, metricsErr
	}

	tokenService, tokenErr := authkit.NewTokenService(authkit.TokenServiceConfig{
		SigningKey: dependencies.Config.JWTSigningKey,
		Issuer:     dependencies.Config.JWTIssuer,
		AccessTTL:  dependencies.Config.AccessTTL,
		RefreshTTL: dependencies.Config.RefreshTTL,
		Clock:      dependencies.Clock,
	}, dependencies.Store)
	if tokenErr != nil {
		return nil, tokenErr
	}
	registry := authkit.NewAccountRegistry(dependencies.Store, logger)

	kakaoProvider := authkit.NewKakaoIdentityProvider(authkit.KakaoProviderConfig{
		UserInfoURL: dependencies.Config.KakaoUserInfoURL,
		Timeout:     dependencies.Config.ProviderTimeout,
	})
	routes := authkit.RouteDependencies{
		KakaoSignIn:     authkit.NewSignInService(kakaoProvider, registry, tokenService, logger, metricsRecorder),
		Tokens:          tokenService,
		SignOut:         authkit.NewSignOutService(tokenService, logger, metricsRecorder),
		AccessValidator: tokenService.AccessValidator(),
		Logger:          logger,
		Metrics:         metricsRecorder,
	}
	if dependencies.Config.GoogleSignInEnabled() && dependencies.GoogleValidator != nil {
		googleProvider := authkit.NewGoogleIdentityProvider(dependencies.GoogleValidator, dependencies.Config.GoogleWebClientID, dependencies.Config.ProviderTimeout)
		routes.GoogleSignIn = authkit.NewSignInService(googleProvider, registry, tokenService, logger, metricsRecorder)
		routes.Nonces = authkit.NewMemoryNonceStore(dependencies.Config.NonceTTL, dependencies.Clock)
	}

	users := router.Group("/api/users")
	authkit.MountAuthRoutes(users, routes)
	users.GET("/me", authkit.RequireAccess(tokenService.AccessValidator(), logger), web.HandleWhoAmI(logger, dependencies.Store))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dependencies.Registry, promhttp.HandlerOpts{})))
	return router, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	storageBackend, backendErr := resolveStorageBackend(viper.GetString("storage_backend"), databaseURL)
	if backendErr != nil {
		return backendErr
	}

	clock := authkit.NewSystemClock()
	store, closeStore, storeErr := openStore(commandContext, logger, storageBackend, databaseURL, clock)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.GoogleSignInEnabled() {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := buildRouter(routerDependencies{
		Logger:          logger,
		Config:          serverConfig,
		Store:           store,
		Clock:           clock,
		GoogleValidator: googleValidator,
		Registry:        metricsRegistry,
		CORSOrigins:     corsAllowedOrigins,
		EnableCORS:      enableCORS,
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("storage_backend", storageBackend))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
