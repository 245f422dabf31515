package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var reIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// PostgresConf contains the table and columns to look accounts up in.
type PostgresConf struct {
	Table       string `json:"table"`
	EmailColumn string `json:"email_column"`
	PhoneColumn string `json:"phone_column"`
}

// Postgres looks accounts up in an existing users table.
type Postgres struct {
	db *pgxpool.Pool

	qEmail string
	qPhone string
}

// NewPostgres returns a Postgres lookup. Table and column names are
// interpolated into queries and so are restricted to plain identifiers.
func NewPostgres(db *pgxpool.Pool, c PostgresConf) (*Postgres, error) {
	if c.Table == "" {
		c.Table = "users"
	}
	if c.EmailColumn == "" {
		c.EmailColumn = "email"
	}
	if c.PhoneColumn == "" {
		c.PhoneColumn = "phone"
	}

	for _, s := range []string{c.Table, c.EmailColumn, c.PhoneColumn} {
		if !reIdent.MatchString(s) {
			return nil, fmt.Errorf("invalid table or column name '%s'", s)
		}
	}

	return &Postgres{
		db:     db,
		qEmail: existsQuery(c.Table, "LOWER("+c.EmailColumn+")"),
		qPhone: existsQuery(c.Table, c.PhoneColumn),
	}, nil
}

// Exists tells whether an account is registered against identifier.
func (p *Postgres) Exists(ctx context.Context, identifier string) (bool, error) {
	if p.db == nil {
		return false, errors.New("no database connection")
	}

	identifier = normalize(identifier)
	q := p.qPhone
	if isEmail(identifier) {
		q = p.qEmail
	}

	var ok bool
	if err := p.db.QueryRow(ctx, q, identifier).Scan(&ok); err != nil {
		return false, fmt.Errorf("error looking up account: %w", err)
	}
	return ok, nil
}

func existsQuery(table, col string) string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", table, col)
}
