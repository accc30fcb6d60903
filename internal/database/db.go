package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the accounts table if it does not exist. The unique
// indexes on username, email, api_key, verification_token and reset_token
// backstop the application-level collision-retry loop: two concurrent
// writers racing on the same random token cannot both commit.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    id                     BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    username               VARCHAR(64)  NOT NULL,
    email                  VARCHAR(255) NOT NULL,
    password_hash          VARCHAR(128) NULL,
    api_key                VARCHAR(128) NULL,
    verified               TINYINT(1)   NOT NULL DEFAULT 0,
    active                 TINYINT(1)   NOT NULL DEFAULT 1,
    verification_token     VARCHAR(128) NULL,
    reset_token            VARCHAR(128) NULL,
    reset_token_created_at DATETIME     NULL,
    created_at             DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uq_accounts_username (username),
    UNIQUE KEY uq_accounts_email (email),
    UNIQUE KEY uq_accounts_api_key (api_key),
    UNIQUE KEY uq_accounts_verification_token (verification_token),
    UNIQUE KEY uq_accounts_reset_token (reset_token)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	_, err := db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensure accounts schema: %w", err)
	}
	return nil
}
