package account

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (address, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, acct.Address, acct.DisplayName, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT address, display_name, created_at, updated_at
		FROM accounts WHERE address = $1
	`, address).Scan(&acct.Address, &acct.DisplayName, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Update(ctx context.Context, acct *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET display_name = $2, updated_at = $3 WHERE address = $1
	`, acct.Address, acct.DisplayName, acct.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, display_name, created_at, updated_at
		FROM accounts
		ORDER BY created_at DESC, address ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.Address, &acct.DisplayName, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

var _ Store = (*PostgresStore)(nil)
