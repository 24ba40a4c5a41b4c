package recovery

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS notification_recovery (
    deposit_tx TEXT PRIMARY KEY,
    message_hash TEXT NOT NULL,
    sender TEXT NOT NULL,
    receiver TEXT NOT NULL,
    receiver_email TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    amount NUMERIC(78, 0) NOT NULL,
    reason TEXT NOT NULL,
    failed_at TIMESTAMPTZ NOT NULL
);
`

const selectColumns = `deposit_tx, message_hash, sender, receiver, receiver_email, subject, body, amount::text, reason, failed_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping lets the health endpoint report the ledger's database.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, depositTx string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM notification_recovery WHERE deposit_tx = $1`, key(depositTx))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if key(record.DepositTx) == "" {
		return errors.New("recovery record without deposit tx")
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO notification_recovery (deposit_tx, message_hash, sender, receiver, receiver_email, subject, body, amount, reason, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
ON CONFLICT (deposit_tx) DO UPDATE
SET reason = EXCLUDED.reason,
    failed_at = EXCLUDED.failed_at
`, key(record.DepositTx), record.MessageHash, record.Sender, record.Receiver, record.ReceiverEmail,
		record.Subject, record.Body, record.Amount, record.Reason, record.FailedAt)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, depositTx string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM notification_recovery WHERE deposit_tx = $1`, key(depositTx))
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM notification_recovery ORDER BY failed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.DepositTx, &rec.MessageHash, &rec.Sender, &rec.Receiver, &rec.ReceiverEmail,
		&rec.Subject, &rec.Body, &rec.Amount, &rec.Reason, &rec.FailedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
