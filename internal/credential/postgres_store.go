package credential

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// CreateTableSQL provisions the kiro_credentials table spec.md §6 describes:
// bigserial id, soft delete via deleted_at. It defines no updated_at trigger;
// Update sets updated_at itself, and other writers must do the same for
// Fingerprint to notice their changes. Operators
// are expected to run migrations themselves; this is exposed for tests and
// for an optional bootstrap path.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS kiro_credentials (
    id              BIGSERIAL PRIMARY KEY,
    access_token    TEXT,
    refresh_token   TEXT NOT NULL,
    profile_arn     TEXT,
    expires_at      TIMESTAMPTZ,
    auth_method     VARCHAR(32) NOT NULL DEFAULT 'social',
    client_id       TEXT,
    client_secret   TEXT,
    priority        INTEGER DEFAULT 0,
    region          VARCHAR(32),
    machine_id      VARCHAR(64),
    created_at      TIMESTAMPTZ DEFAULT NOW(),
    updated_at      TIMESTAMPTZ DEFAULT NOW(),
    deleted_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_kiro_credentials_priority ON kiro_credentials(priority) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_kiro_credentials_updated_at ON kiro_credentials(updated_at);
`

// PostgresStore is the database-backed Credential Store. It uses raw
// database/sql with parameterized queries rather than an ORM, grounded on
// nzkbuild-MMBot's internal/store/postgres/store.go — spec.md §6 names the
// exact DDL, which maps more directly onto hand-written SQL than onto an
// ORM's model-migration conventions.
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore opens a connection pool against databaseURL, querying
// tableName (defaulting to "kiro_credentials" when empty) for every List,
// Update, and Fingerprint call. The caller is responsible for closing the
// returned store's connection pool via Close.
func NewPostgresStore(databaseURL string, tableName string, maxConnections int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("credential: open postgres: %w", err)
	}
	if maxConnections > 0 {
		db.SetMaxOpenConns(maxConnections)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential: ping postgres: %w", err)
	}

	if tableName == "" {
		tableName = "kiro_credentials"
	}
	return &PostgresStore{db: db, tableName: tableName}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) List(ctx context.Context) ([]Credential, error) {
	query := fmt.Sprintf(`
		SELECT id, access_token, refresh_token, profile_arn, expires_at,
		       auth_method, client_id, client_secret, priority, region, machine_id
		FROM %s
		WHERE deleted_at IS NULL
		ORDER BY priority ASC, id ASC`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("credential: list postgres: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var (
			id                                                   int64
			accessToken, profileARN, clientID, clientSecret, reg sql.NullString
			refreshToken, authMethod                             string
			expiresAt                                            sql.NullTime
			priority                                             sql.NullInt64
			machineID                                             sql.NullString
		)
		if err := rows.Scan(&id, &accessToken, &refreshToken, &profileARN, &expiresAt,
			&authMethod, &clientID, &clientSecret, &priority, &reg, &machineID); err != nil {
			return nil, fmt.Errorf("credential: scan postgres row: %w", err)
		}
		c := Credential{
			ID:           fmt.Sprintf("%d", id),
			AccessToken:  accessToken.String,
			RefreshToken: refreshToken,
			ProfileARN:   profileARN.String,
			AuthMethod:   AuthMethod(authMethod),
			ClientID:     clientID.String,
			ClientSecret: clientSecret.String,
			Priority:     int(priority.Int64),
			Region:       reg.String,
			MachineID:    machineID.String,
		}
		if expiresAt.Valid {
			c.ExpiresAt = expiresAt.Time
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential: iterate postgres rows: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET access_token = $1, expires_at = $2, profile_arn = COALESCE($3, profile_arn), updated_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL`, s.tableName)

	var expiresAt any
	if patch.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, patch.ExpiresAt)
		if err != nil {
			return fmt.Errorf("credential: patch expiresAt: %w", err)
		}
		expiresAt = t
	}

	result, err := s.db.ExecContext(ctx, query, patch.AccessToken, expiresAt, patch.ProfileARN, id)
	if err != nil {
		return fmt.Errorf("credential: update postgres: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("credential: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Fingerprint(ctx context.Context) (string, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(updated_at), to_timestamp(0)) FROM %s`, s.tableName)
	var maxUpdated time.Time
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxUpdated); err != nil {
		return "", fmt.Errorf("credential: fingerprint postgres: %w", err)
	}
	return maxUpdated.UTC().Format(time.RFC3339Nano), nil
}
