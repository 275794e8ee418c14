package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the escrow ledger in PostgreSQL.
//
// Records are normalized rows keyed by escrow id; the keeper's
// earliest-expiry query rides the (status, expires_at) index. The global
// stats singleton is updated in the same transaction as the owning record
// write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, owner_addr, source_account, receive_account,
	       offer_asset, offer_amount, accept_asset, accept_amount,
	       status, vault_ref, seed, created_at, expires_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, rec *Record, delta StatsDelta) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrows (
				id, owner_addr, source_account, receive_account,
				offer_asset, offer_amount, accept_asset, accept_amount,
				status, vault_ref, seed, created_at, expires_at, resolved_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			rec.ID, rec.Owner, rec.SourceAccount, rec.ReceiveAccount,
			rec.OfferAsset, int64(rec.OfferAmount), rec.AcceptAsset, int64(rec.AcceptAmount),
			string(rec.Status), rec.VaultRef, rec.Seed, rec.CreatedAt, rec.ExpiresAt, nullTime(rec.ResolvedAt),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateEscrow
			}
			return err
		}
		return p.applyStats(ctx, tx, delta)
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) Finalize(ctx context.Context, id string, to Status, resolvedAt time.Time, delta StatsDelta) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		// Compare-and-set on status: only a Pending row can be finalized.
		result, err := tx.ExecContext(ctx, `
			UPDATE escrows SET status = $2, resolved_at = $3
			WHERE id = $1 AND status = $4`,
			id, string(to), resolvedAt, string(StatusPending),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return p.applyStats(ctx, tx, delta)
	})
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE owner_addr = $1
		ORDER BY created_at ASC, id ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) NextExpiring(ctx context.Context) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY expires_at ASC, id ASC
		LIMIT 1`, string(StatusPending))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY id ASC`, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	return scanStats(p.db.QueryRowContext(ctx, `
		SELECT total_created, total_completed, total_canceled,
		       total_value_locked, total_value_released
		FROM escrow_global_stats WHERE id = 1`))
}

func (p *PostgresStore) DailyCreationCounts(ctx context.Context) ([]DailyCount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM escrows
		GROUP BY day
		ORDER BY day ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		result = append(result, dc)
	}
	return result, rows.Err()
}

// applyStats folds the delta into the singleton row under a row lock, with
// the same checked arithmetic the memory store uses.
func (p *PostgresStore) applyStats(ctx context.Context, tx *sql.Tx, delta StatsDelta) error {
	stats, err := scanStats(tx.QueryRowContext(ctx, `
		SELECT total_created, total_completed, total_canceled,
		       total_value_locked, total_value_released
		FROM escrow_global_stats WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return err
	}
	if err := stats.Apply(delta); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_global_stats SET
			total_created = $1, total_completed = $2, total_canceled = $3,
			total_value_locked = $4, total_value_released = $5
		WHERE id = 1`,
		int64(stats.TotalCreated), int64(stats.TotalCompleted), int64(stats.TotalCanceled),
		int64(stats.TotalValueLocked), int64(stats.TotalValueReleased),
	)
	return err
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		status       string
		offerAmount  int64
		acceptAmount int64
		resolvedAt   sql.NullTime
	)

	err := s.Scan(
		&rec.ID, &rec.Owner, &rec.SourceAccount, &rec.ReceiveAccount,
		&rec.OfferAsset, &offerAmount, &rec.AcceptAsset, &acceptAmount,
		&status, &rec.VaultRef, &rec.Seed, &rec.CreatedAt, &rec.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.OfferAmount = uint64(offerAmount)
	rec.AcceptAmount = uint64(acceptAmount)
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanStats(s scanner) (*GlobalStats, error) {
	var created, completed, canceled, locked, released int64
	if err := s.Scan(&created, &completed, &canceled, &locked, &released); err != nil {
		return nil, err
	}
	return &GlobalStats{
		TotalCreated:       uint64(created),
		TotalCompleted:     uint64(completed),
		TotalCanceled:      uint64(canceled),
		TotalValueLocked:   uint64(locked),
		TotalValueReleased: uint64(released),
	}, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
