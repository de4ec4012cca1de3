package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/mira-go/internal/logger"
)

// Record is one owner's encrypted key for one provider.
type Record struct {
	Owner    string `json:"owner"`
	Provider string `json:"provider"`
	// Secret is the Cipher.Encrypt blob, "base64(nonce):base64(ciphertext)".
	Secret    string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordStore persists credential records. At most one record exists per
// (owner, provider); SaveRecord replaces it.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, owner, provider string) (rec Record, found bool, err error)
	ListProviders(ctx context.Context, owner string) ([]string, error)
}

const createCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
  owner TEXT NOT NULL,
  provider TEXT NOT NULL,
  secret TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (owner, provider)
);`

// SQLRecords is a RecordStore on sqlite.
type SQLRecords struct {
	db *sql.DB
}

func NewSQLRecords(db *sql.DB) *SQLRecords {
	return &SQLRecords{db: db}
}

func (r *SQLRecords) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createCredentials); err != nil {
		logger.L.Error("failed to create credentials table", "error", err)
		return err
	}
	return nil
}

func (r *SQLRecords) SaveRecord(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO credentials (owner, provider, secret, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(owner, provider) DO UPDATE SET
  secret = excluded.secret, updated_at = excluded.updated_at;`,
		rec.Owner, rec.Provider, rec.Secret, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save credential record: %w", err)
	}
	return nil
}

func (r *SQLRecords) GetRecord(ctx context.Context, owner, provider string) (Record, bool, error) {
	rec := Record{Owner: owner, Provider: provider}
	var updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT secret, updated_at FROM credentials WHERE owner = ? AND provider = ?`,
		owner, provider).Scan(&rec.Secret, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("get credential record: %w", err)
	}
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, true, nil
}

func (r *SQLRecords) ListProviders(ctx context.Context, owner string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT provider FROM credentials WHERE owner = ? ORDER BY provider`, owner)
	if err != nil {
		return nil, fmt.Errorf("list credential records: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan credential record: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
