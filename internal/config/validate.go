package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.Credits.QuoteSecret) < 32 {
		errs = append(errs, "CREDITS_QUOTE_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.Credits.QuoteSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and CREDITS_QUOTE_SECRET must differ")
	}

	// Ledger
	switch c.Ledger.Driver {
	case DriverPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required for the postgres ledger")
		}
	case DriverSQLite:
		if c.Ledger.SQLitePath == "" {
			errs = append(errs, "LEDGER_SQLITE_PATH is required for the sqlite ledger")
		}
	case DriverMemory:
		slog.Warn("LEDGER_DRIVER=memory: balances are lost on restart")
	default:
		errs = append(errs, fmt.Sprintf("LEDGER_DRIVER must be postgres, sqlite or memory, got %q", c.Ledger.Driver))
	}

	// Credits
	if c.Credits.SignupGrant < 0 {
		errs = append(errs, "CREDITS_SIGNUP_GRANT must not be negative")
	}
	if c.Credits.DefaultDailyCap < 0 {
		errs = append(errs, "CREDITS_DEFAULT_DAILY_CAP must not be negative")
	}
	if c.Credits.CommitRetries < 0 {
		errs = append(errs, "CREDITS_COMMIT_RETRIES must not be negative")
	}
	if c.Credits.QuoteTTL <= 0 {
		errs = append(errs, "CREDITS_QUOTE_TTL must be positive")
	}
	if c.Credits.CatalogWatch && c.Credits.CatalogPath == "" {
		errs = append(errs, "CREDITS_CATALOG_WATCH requires CREDITS_CATALOG_PATH")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.Ledger.Driver == DriverPostgres && (c.DB.Port < 1 || c.DB.Port > 65535) {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Admin API key: warn only
	if c.Admin.APIKey == "" {
		slog.Warn("ADMIN_API_KEY is empty, grant endpoints are disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
