package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

const accountColumns = `id, display_name, username, provider, needs_reauth, sync_token, last_synced_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*mail.Account, error) {
	var (
		a          mail.Account
		reauth     int
		token      sql.NullString
		lastSynced sql.NullInt64
		created    int64
	)
	if err := row.Scan(&a.ID, &a.DisplayName, &a.Username, &a.Provider, &reauth, &token, &lastSynced, &created); err != nil {
		return nil, err
	}
	a.NeedsReauth = reauth == 1
	a.SyncToken = token.String
	a.LastSyncedAt = millisPtr(lastSynced)
	a.CreatedAt = time.UnixMilli(created)
	return &a, nil
}

// UpsertAccount inserts or updates an account, assigning an id when empty
func (s *Store) UpsertAccount(ctx context.Context, a *mail.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, username, provider, needs_reauth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			provider = excluded.provider
	`, a.ID, a.DisplayName, a.Username, string(a.Provider), boolInt(a.NeedsReauth), a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, mailerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []mail.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes the account; folders, messages and pending actions cascade
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, mailerr.ErrNotFound)
	}
	return nil
}

func (s *Store) SetNeedsReauth(ctx context.Context, id string, needsReauth bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET needs_reauth = ? WHERE id = ?`, boolInt(needsReauth), id)
	if err != nil {
		return fmt.Errorf("failed to update reauth flag: %w", err)
	}
	return nil
}

// SaveFolderListToken persists the account-level folder delta token
func (s *Store) SaveFolderListToken(ctx context.Context, accountID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET sync_token = ?, last_synced_at = ? WHERE id = ?
	`, nullString(token), s.nowMillis(), accountID)
	if err != nil {
		return fmt.Errorf("failed to save folder list token: %w", err)
	}
	return nil
}
