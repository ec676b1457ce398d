package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("store.unsupported_no_scheme")
)

// DatabaseStore persists accounts and the refresh-token ledger using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type accountRecord struct {
	AccountID     string `gorm:"column:account_id;primaryKey"`
	Provider      string `gorm:"column:provider;not null;uniqueIndex:idx_accounts_provider_external"`
	ExternalID    string `gorm:"column:external_id;not null;uniqueIndex:idx_accounts_provider_external"`
	Email         string `gorm:"column:email;not null"`
	DisplayName   string `gorm:"column:display_name;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type outstandingTokenRecord struct {
	TokenID      string `gorm:"column:token_id;primaryKey"`
	AccountID    string `gorm:"column:account_id;index;not null"`
	TokenHash    string `gorm:"column:token_hash;uniqueIndex;not null"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;not null"`
}

func (outstandingTokenRecord) TableName() string {
	return "outstanding_tokens"
}

type revokedTokenRecord struct {
	TokenID       string `gorm:"column:token_id;primaryKey"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null"`
}

func (revokedTokenRecord) TableName() string {
	return "blacklisted_tokens"
}

// NewDatabaseStore opens the database at databaseURL and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&accountRecord{}, &outstandingTokenRecord{}, &revokedTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// FindAccountByExternalID looks up an account by provider identity.
func (store *DatabaseStore) FindAccountByExternalID(ctx context.Context, provider string, externalID string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where("provider = ? AND external_id = ?", provider, externalID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("store.find_account.%s: %w", store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, fmt.Errorf("store.find_account.%s: %w", store.driverLabel, err)
	}
	return record.toAccount(), nil
}

// CreateAccount inserts the account unless (provider, external id) already exists.
func (store *DatabaseStore) CreateAccount(ctx context.Context, account Account) (Account, bool, error) {
	if account.ID == "" {
		account.ID = newIdentifier()
	}
	nowUnix := store.clock.Now().UTC().Unix()
	record := accountRecord{
		AccountID:     account.ID,
		Provider:      account.Provider,
		ExternalID:    account.ExternalID,
		Email:         account.Email,
		DisplayName:   account.DisplayName,
		CreatedAtUnix: nowUnix,
		UpdatedAtUnix: nowUnix,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return Account{}, false, fmt.Errorf("store.create_account.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return record.toAccount(), true, nil
	}
	existing, err := store.FindAccountByExternalID(ctx, account.Provider, account.ExternalID)
	if err != nil {
		return Account{}, false, err
	}
	return existing, false, nil
}

// GetAccount returns an account by id.
func (store *DatabaseStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("store.get_account.%s: %w", store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, fmt.Errorf("store.get_account.%s: %w", store.driverLabel, err)
	}
	return record.toAccount(), nil
}

// UpdateAccountProfile replaces the mutable profile fields.
func (store *DatabaseStore) UpdateAccountProfile(ctx context.Context, accountID string, email string, displayName string) error {
	result := store.db.WithContext(ctx).Model(&accountRecord{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"email":           email,
			"display_name":    displayName,
			"updated_at_unix": store.clock.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("store.update_account.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store.update_account.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return nil
}

// InsertOutstandingToken records a newly issued refresh token.
func (store *DatabaseStore) InsertOutstandingToken(ctx context.Context, token OutstandingToken) error {
	record := outstandingTokenRecord{
		TokenID:      token.TokenID,
		AccountID:    token.AccountID,
		TokenHash:    token.TokenHash,
		IssuedAtUnix: token.IssuedAt.UTC().Unix(),
		ExpiresUnix:  token.ExpiresAt.UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("store.insert_outstanding.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindOutstandingToken returns the outstanding record for a token id.
func (store *DatabaseStore) FindOutstandingToken(ctx context.Context, tokenID string) (OutstandingToken, error) {
	var record outstandingTokenRecord
	err := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutstandingToken{}, fmt.Errorf("store.find_outstanding.%s: %w", store.driverLabel, ErrOutstandingTokenNotFound)
		}
		return OutstandingToken{}, fmt.Errorf("store.find_outstanding.%s: %w", store.driverLabel, err)
	}
	return record.toOutstandingToken(), nil
}

// ListActiveTokensForAccount returns the account's unrevoked, unexpired refresh tokens, oldest first.
func (store *DatabaseStore) ListActiveTokensForAccount(ctx context.Context, accountID string, now time.Time) ([]OutstandingToken, error) {
	var records []outstandingTokenRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND expires_unix > ?", accountID, now.UTC().Unix()).
		Where("NOT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE blacklisted_tokens.token_id = outstanding_tokens.token_id)").
		Order("issued_at_unix ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("store.list_active.%s: %w", store.driverLabel, err)
	}
	tokens := make([]OutstandingToken, 0, len(records))
	for _, record := range records {
		tokens = append(tokens, record.toOutstandingToken())
	}
	return tokens, nil
}

// InsertOrGetRevokedToken blacklists the token id, returning the existing entry when already revoked.
func (store *DatabaseStore) InsertOrGetRevokedToken(ctx context.Context, tokenID string) (RevokedToken, bool, error) {
	if _, err := store.FindOutstandingToken(ctx, tokenID); err != nil {
		return RevokedToken{}, false, err
	}
	record := revokedTokenRecord{
		TokenID:       tokenID,
		RevokedAtUnix: store.clock.Now().UTC().Unix(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return RevokedToken{}, false, fmt.Errorf("store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return record.toRevokedToken(), true, nil
	}
	var existing revokedTokenRecord
	if err := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&existing).Error; err != nil {
		return RevokedToken{}, false, fmt.Errorf("store.revoke.%s: %w", store.driverLabel, err)
	}
	return existing.toRevokedToken(), false, nil
}

// IsTokenRevoked reports whether the token id is blacklisted.
func (store *DatabaseStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(&revokedTokenRecord{}).Where("token_id = ?", tokenID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store.is_revoked.%s: %w", store.driverLabel, err)
	}
	return count > 0, nil
}

func (record accountRecord) toAccount() Account {
	return Account{
		ID:          record.AccountID,
		Provider:    record.Provider,
		ExternalID:  record.ExternalID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		CreatedAt:   time.Unix(record.CreatedAtUnix, 0).UTC(),
		UpdatedAt:   time.Unix(record.UpdatedAtUnix, 0).UTC(),
	}
}

func (record outstandingTokenRecord) toOutstandingToken() OutstandingToken {
	return OutstandingToken{
		TokenID:   record.TokenID,
		AccountID: record.AccountID,
		TokenHash: record.TokenHash,
		IssuedAt:  time.Unix(record.IssuedAtUnix, 0).UTC(),
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
	}
}

func (record revokedTokenRecord) toRevokedToken() RevokedToken {
	return RevokedToken{
		TokenID:   record.TokenID,
		RevokedAt: time.Unix(record.RevokedAtUnix, 0).UTC(),
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
