package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

const folderColumns = `id, remote_id, account_id, display_name, type, unread_count, total_count,
	last_synced_at, sync_token, next_page_cursor, list_complete`

func scanFolder(row interface{ Scan(...any) error }) (*mail.Folder, error) {
	var (
		f          mail.Folder
		lastSynced sql.NullInt64
		token      sql.NullString
		cursor     sql.NullString
		complete   int
	)
	err := row.Scan(&f.ID, &f.RemoteID, &f.AccountID, &f.DisplayName, &f.Type, &f.UnreadCount, &f.TotalCount,
		&lastSynced, &token, &cursor, &complete)
	if err != nil {
		return nil, err
	}
	f.LastSyncedAt = millisPtr(lastSynced)
	f.SyncToken = token.String
	f.NextPageCursor = cursor.String
	f.ListComplete = complete == 1
	return &f, nil
}

func queryFolders(ctx context.Context, q querier, where string, args ...any) ([]mail.Folder, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE `+where+` ORDER BY display_name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []mail.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

func (s *Store) ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error) {
	return queryFolders(ctx, s.db, `account_id = ?`, accountID)
}

func getFolder(ctx context.Context, q querier, id string) (*mail.Folder, error) {
	f, err := scanFolder(q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %s: %w", id, mailerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

func (s *Store) GetFolder(ctx context.Context, id string) (*mail.Folder, error) {
	return getFolder(ctx, s.db, id)
}

func (s *Store) GetFolderTx(ctx context.Context, tx *sql.Tx, id string) (*mail.Folder, error) {
	return getFolder(ctx, tx, id)
}

// FolderByType returns the first folder of the given role for the account
func (s *Store) FolderByType(ctx context.Context, accountID string, t mail.FolderType) (*mail.Folder, error) {
	folders, err := queryFolders(ctx, s.db, `account_id = ? AND type = ?`, accountID, string(t))
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("%s folder for account %s: %w", t, accountID, mailerr.ErrNotFound)
	}
	return &folders[0], nil
}

// folderIDsByRemoteTx maps remote folder ids to local ids for an account
func folderIDsByRemoteTx(ctx context.Context, q querier, accountID string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT remote_id, id FROM folders WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var remoteID, id string
		if err := rows.Scan(&remoteID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan folder id: %w", err)
		}
		ids[remoteID] = id
	}
	return ids, rows.Err()
}

// UpsertFoldersTx inserts or updates folders keyed by (account, remote id).
// Local ids and sync tokens of existing folders are preserved.
func (s *Store) UpsertFoldersTx(ctx context.Context, tx *sql.Tx, accountID string, folders []mail.Folder) error {
	for _, f := range folders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folders (id, remote_id, account_id, display_name, type, unread_count, total_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, remote_id) DO UPDATE SET
				display_name = excluded.display_name,
				type = excluded.type,
				unread_count = excluded.unread_count,
				total_count = excluded.total_count
		`, uuid.NewString(), f.RemoteID, accountID, f.DisplayName, string(f.Type), f.UnreadCount, f.TotalCount)
		if err != nil {
			return fmt.Errorf("failed to upsert folder %s: %w", f.RemoteID, err)
		}
	}
	return nil
}

// DeleteFoldersByRemoteIDTx removes folders; their messages cascade
func (s *Store) DeleteFoldersByRemoteIDTx(ctx context.Context, tx *sql.Tx, accountID string, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	args := []any{accountID}
	for _, id := range remoteIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE account_id = ? AND remote_id IN (`+placeholders(len(remoteIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete folders: %w", err)
	}
	return nil
}

// ReplaceFoldersTx makes the account's folder set exactly equal to folders
func (s *Store) ReplaceFoldersTx(ctx context.Context, tx *sql.Tx, accountID string, folders []mail.Folder) error {
	existing, err := folderIDsByRemoteTx(ctx, tx, accountID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(folders))
	for _, f := range folders {
		keep[f.RemoteID] = true
	}
	var stale []string
	for remoteID := range existing {
		if !keep[remoteID] {
			stale = append(stale, remoteID)
		}
	}

	if err := s.DeleteFoldersByRemoteIDTx(ctx, tx, accountID, stale); err != nil {
		return err
	}
	return s.UpsertFoldersTx(ctx, tx, accountID, folders)
}

// SaveFolderSyncToken persists a folder's resumable message delta token
func (s *Store) SaveFolderSyncToken(ctx context.Context, folderID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE folders SET sync_token = ?, last_synced_at = ? WHERE id = ?
	`, nullString(token), s.nowMillis(), folderID)
	if err != nil {
		return fmt.Errorf("failed to save folder sync token: %w", err)
	}
	return nil
}

// SaveFolderCursorTx records the bulk listing cursor used by incremental fetch
func (s *Store) SaveFolderCursorTx(ctx context.Context, tx *sql.Tx, folderID, cursor string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE folders SET next_page_cursor = ?, list_complete = ? WHERE id = ?
	`, nullString(cursor), boolInt(cursor == ""), folderID)
	if err != nil {
		return fmt.Errorf("failed to save folder cursor: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
