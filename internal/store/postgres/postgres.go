// Package postgres implements a Postgres backed OTP store. The unique
// constraint on the identifier column enforces a single live OTP per
// identifier and DELETE .. RETURNING makes consumption atomic.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/store"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	qPut = `
		INSERT INTO otps (id, identifier, channel, code, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier) DO UPDATE SET
			id = EXCLUDED.id,
			channel = EXCLUDED.channel,
			code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`

	qFind = `
		SELECT id, identifier, channel, code, expires_at, created_at
		FROM otps WHERE identifier = $1 AND code = $2`

	qConsume = `
		DELETE FROM otps WHERE identifier = $1 AND code = $2
		RETURNING id, identifier, channel, code, expires_at, created_at`

	qDeleteByID = `DELETE FROM otps WHERE id = $1`

	qPurge = `DELETE FROM otps WHERE expires_at <= $1`
)

// Conf contains Postgres configuration fields.
type Conf struct {
	DSN      string        `json:"dsn"`
	MaxConns int32         `json:"max_conns"`
	Timeout  time.Duration `json:"timeout"`

	// Apply the embedded schema migrations on startup.
	Migrate bool `json:"migrate"`
}

// Postgres implements a Postgres Store.
type Postgres struct {
	db *pgxpool.Pool
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, c Conf) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.Timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = c.Timeout
	}

	if c.Migrate {
		if err := Migrate(c.DSN); err != nil {
			return nil, err
		}
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}

	return NewWithPool(db), nil
}

// NewWithPool returns a Store over an existing connection pool.
func NewWithPool(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("error loading migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateDSN(dsn))
	if err != nil {
		return fmt.Errorf("error initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error running migrations: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.db
}

// Ping checks if the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Put inserts an OTP or replaces the one stored against its identifier.
func (p *Postgres) Put(ctx context.Context, otp models.OTP) error {
	_, err := p.db.Exec(ctx, qPut,
		otp.ID, otp.Identifier, otp.Channel, otp.Code, otp.ExpiresAt, otp.CreatedAt)
	if err != nil {
		return fmt.Errorf("error putting OTP: %w", err)
	}
	return nil
}

// Find returns the OTP stored against identifier with the given code.
func (p *Postgres) Find(ctx context.Context, identifier, code string) (models.OTP, error) {
	return p.scan(p.db.QueryRow(ctx, qFind, identifier, code))
}

// Consume deletes and returns the OTP stored against identifier with the
// given code. A single DELETE .. RETURNING statement means only one of
// several concurrent callers gets the row back.
func (p *Postgres) Consume(ctx context.Context, identifier, code string) (models.OTP, error) {
	return p.scan(p.db.QueryRow(ctx, qConsume, identifier, code))
}

// DeleteByID deletes the OTP with the given record ID.
func (p *Postgres) DeleteByID(ctx context.Context, id string) error {
	if _, err := p.db.Exec(ctx, qDeleteByID, id); err != nil {
		return fmt.Errorf("error deleting OTP: %w", err)
	}
	return nil
}

// Purge deletes all OTPs that expired at or before t.
func (p *Postgres) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, qPurge, before)
	if err != nil {
		return 0, fmt.Errorf("error purging OTPs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) scan(row pgx.Row) (models.OTP, error) {
	var o models.OTP
	if err := row.Scan(&o.ID, &o.Identifier, &o.Channel, &o.Code, &o.ExpiresAt, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OTP{}, store.ErrNotExist
		}
		return models.OTP{}, err
	}
	return o, nil
}

// migrateDSN rewrites a postgres:// DSN to the scheme registered by
// golang-migrate's pgx/v5 driver.
func migrateDSN(dsn string) string {
	for _, pfx := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, pfx) {
			return "pgx5://" + strings.TrimPrefix(dsn, pfx)
		}
	}
	return dsn
}
