package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"

	// Blank import for postgres driver
	_ "github.com/lib/pq"

	"github.com/rumi-protocol/rumi-core/pkg/event"
)

// Config represents the database connection settings.
type Config struct {
	// Host specifies the database server's hostname or IP address.
	Host string `toml:"host" mapstructure:"host"`

	// Port defines the port on which the database server is listening.
	// Default PostgreSQL port: 5432.
	Port int `toml:"port" mapstructure:"port"`

	// User represents the database username for authentication.
	User string `toml:"user" mapstructure:"user"`

	// Password is the database user's password.
	Password string `toml:"password" mapstructure:"password"`

	// DBName specifies the name of the PostgreSQL database to connect to.
	DBName string `toml:"dbname" mapstructure:"dbname"`

	// SSLMode determines whether to use SSL/TLS for database connections.
	// Example values: "disable", "require", "verify-full".
	SSLMode string `toml:"sslmode" mapstructure:"sslmode"`
}

// Validate ensures required fields are set and applies default values where
// necessary.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.DBName == "" {
		return ErrMissingDBName
	}
	return nil
}

// DSN constructs the PostgreSQL connection string.
func (cfg Config) DSN() (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Add("sslmode", cfg.SSLMode)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.DBName,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS protocol_events (
	seq     BIGSERIAL PRIMARY KEY,
	payload JSONB NOT NULL
)`

// PostgresLog stores events as JSON rows ordered by an append sequence.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog connects, pings, and ensures the events table exists.
func NewPostgresLog(ctx context.Context, cfg Config) (*PostgresLog, error) {
	connStr, err := cfg.DSN()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedConnect, err)
	}
	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedPing, err)
	}
	if _, err = db.ExecContext(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}
	return &PostgresLog{db: db}, nil
}

func (l *PostgresLog) Append(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `INSERT INTO protocol_events (payload) VALUES ($1)`, payload); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (l *PostgresLog) Events(ctx context.Context) ([]event.Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT payload FROM protocol_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (l *PostgresLog) Count(ctx context.Context) (uint64, error) {
	var count uint64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM protocol_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Close releases the underlying connection pool.
func (l *PostgresLog) Close() error { return l.db.Close() }
