package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

const messageColumns = `m.id, m.remote_id, m.account_id, m.folder_id, m.thread_id, m.subject,
	m.sender_name, m.sender_address, m.to_json, m.cc_json, m.snippet, m.received_at, m.sent_at,
	m.is_read, m.is_starred, m.has_attachments, m.is_local_only, m.is_outbox, m.is_draft,
	m.sync_status, m.last_sync_error, m.is_local_deleted, b.content, b.content_type`

const messageFrom = ` FROM messages m LEFT JOIN message_bodies b ON b.message_id = m.id `

func scanMessage(row interface{ Scan(...any) error }) (*mail.Message, error) {
	var (
		m                                         mail.Message
		remoteID, body, bodyType                  sql.NullString
		toJSON, ccJSON                            string
		received, sent                            int64
		read, starred, attach, local, outbox, drf int
		deleted                                   int
	)
	err := row.Scan(&m.ID, &remoteID, &m.AccountID, &m.FolderID, &m.ThreadID, &m.Subject,
		&m.From.Name, &m.From.Address, &toJSON, &ccJSON, &m.Snippet, &received, &sent,
		&read, &starred, &attach, &local, &outbox, &drf,
		&m.SyncStatus, &m.LastSyncError, &deleted, &body, &bodyType)
	if err != nil {
		return nil, err
	}

	m.RemoteID = remoteID.String
	if err := json.Unmarshal([]byte(toJSON), &m.To); err != nil {
		return nil, fmt.Errorf("failed to decode recipients of message %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &m.Cc); err != nil {
		return nil, fmt.Errorf("failed to decode cc of message %s: %w", m.ID, err)
	}
	m.ReceivedAt = time.UnixMilli(received)
	m.SentAt = time.UnixMilli(sent)
	m.IsRead = read == 1
	m.IsStarred = starred == 1
	m.HasAttachments = attach == 1
	m.IsLocalOnly = local == 1
	m.IsOutbox = outbox == 1
	m.IsDraft = drf == 1
	m.IsLocalDeleted = deleted == 1
	if body.Valid {
		content := body.String
		m.Body = &content
		m.BodyContentType = bodyType.String
	}
	return &m, nil
}

func encodeAddresses(addrs []mail.Address) string {
	if len(addrs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(addrs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func getMessage(ctx context.Context, q querier, id string) (*mail.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+messageFrom+`WHERE m.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, mailerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	return getMessage(ctx, s.db, id)
}

func (s *Store) GetMessageTx(ctx context.Context, tx *sql.Tx, id string) (*mail.Message, error) {
	return getMessage(ctx, tx, id)
}

// ListMessages returns visible messages of a folder, newest first
func (s *Store) ListMessages(ctx context.Context, folderID string, limit, offset int) ([]mail.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+messageFrom+`
		WHERE m.folder_id = ? AND m.is_local_deleted = 0
		ORDER BY m.received_at DESC, m.id
		LIMIT ? OFFSET ?`, folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []mail.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, folderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE folder_id = ? AND is_local_deleted = 0
	`, folderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpsertMessagesTx reconciles remote messages into a folder keyed by remote id.
// A message with an unresolved local mutation anywhere in the account is left
// untouched so the optimistic state stays visible until its upload settles.
// Returns the number of rows written.
func (s *Store) UpsertMessagesTx(ctx context.Context, tx *sql.Tx, accountID, folderID string, msgs []mail.Message) (int, error) {
	written := 0
	for _, m := range msgs {
		if m.RemoteID == "" {
			continue
		}

		var pendingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE account_id = ? AND remote_id = ? AND sync_status IN (?, ?)
			LIMIT 1
		`, accountID, m.RemoteID, string(mail.SyncPendingUpload), string(mail.SyncPendingDelete)).Scan(&pendingID)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return written, fmt.Errorf("failed to check pending message: %w", err)
		}

		var id string
		err = tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE folder_id = ? AND remote_id = ?`, folderID, m.RemoteID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (id, remote_id, account_id, folder_id, thread_id, subject, sender_name,
					sender_address, to_json, cc_json, snippet, received_at, sent_at, is_read, is_starred,
					has_attachments, is_draft, sync_status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, id, m.RemoteID, accountID, folderID, m.ThreadID, m.Subject, m.From.Name, m.From.Address,
				encodeAddresses(m.To), encodeAddresses(m.Cc), m.Snippet, m.ReceivedAt.UnixMilli(), m.SentAt.UnixMilli(),
				boolInt(m.IsRead), boolInt(m.IsStarred), boolInt(m.HasAttachments), boolInt(m.IsDraft), string(mail.SyncIdle))
			if err != nil {
				return written, fmt.Errorf("failed to insert message %s: %w", m.RemoteID, err)
			}
		case err != nil:
			return written, fmt.Errorf("failed to look up message %s: %w", m.RemoteID, err)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET thread_id = ?, subject = ?, sender_name = ?, sender_address = ?,
					to_json = ?, cc_json = ?, snippet = ?, received_at = ?, sent_at = ?, is_read = ?,
					is_starred = ?, has_attachments = ?, is_draft = ?
				WHERE id = ?
			`, m.ThreadID, m.Subject, m.From.Name, m.From.Address, encodeAddresses(m.To), encodeAddresses(m.Cc),
				m.Snippet, m.ReceivedAt.UnixMilli(), m.SentAt.UnixMilli(), boolInt(m.IsRead), boolInt(m.IsStarred),
				boolInt(m.HasAttachments), boolInt(m.IsDraft), id)
			if err != nil {
				return written, fmt.Errorf("failed to update message %s: %w", m.RemoteID, err)
			}
		}

		if m.Body != nil {
			if err := s.setBodyTx(ctx, tx, id, *m.Body, m.BodyContentType); err != nil {
				return written, err
			}
		}
		written++
	}
	return written, nil
}

// DeleteMessagesByRemoteIDTx hard-deletes messages of a folder by remote id
func (s *Store) DeleteMessagesByRemoteIDTx(ctx context.Context, tx *sql.Tx, folderID string, remoteIDs []string) (int, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	args := []any{folderID}
	for _, id := range remoteIDs {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE folder_id = ? AND remote_id IN (`+placeholders(len(remoteIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReplaceFolderMessagesTx drops synced, idle rows of the folder that are not
// in msgs and upserts msgs. Local-only and pending rows survive.
func (s *Store) ReplaceFolderMessagesTx(ctx context.Context, tx *sql.Tx, accountID, folderID string, msgs []mail.Message) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT remote_id FROM messages
		WHERE folder_id = ? AND remote_id IS NOT NULL AND is_local_only = 0 AND sync_status = ?
	`, folderID, string(mail.SyncIdle))
	if err != nil {
		return 0, fmt.Errorf("failed to query folder messages: %w", err)
	}

	keep := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		keep[m.RemoteID] = true
	}
	var stale []string
	for rows.Next() {
		var remoteID string
		if err := rows.Scan(&remoteID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan remote id: %w", err)
		}
		if !keep[remoteID] {
			stale = append(stale, remoteID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if _, err := s.DeleteMessagesByRemoteIDTx(ctx, tx, folderID, stale); err != nil {
		return 0, err
	}
	return s.UpsertMessagesTx(ctx, tx, accountID, folderID, msgs)
}

// MessageIDByRemoteTx returns the local id of the folder's row with the
// given remote id, or "" when there is none.
func (s *Store) MessageIDByRemoteTx(ctx context.Context, tx *sql.Tx, folderID, remoteID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE folder_id = ? AND remote_id = ?`, folderID, remoteID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up message by remote id: %w", err)
	}
	return id, nil
}

// InsertLocalMessageTx creates a local draft or outbox row
func (s *Store) InsertLocalMessageTx(ctx context.Context, tx *sql.Tx, m *mail.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, remote_id, account_id, folder_id, thread_id, subject, sender_name,
			sender_address, to_json, cc_json, snippet, received_at, sent_at, is_read, is_starred,
			has_attachments, is_local_only, is_outbox, is_draft, sync_status, last_sync_error, is_local_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, nullString(m.RemoteID), m.AccountID, m.FolderID, m.ThreadID, m.Subject, m.From.Name, m.From.Address,
		encodeAddresses(m.To), encodeAddresses(m.Cc), m.Snippet, m.ReceivedAt.UnixMilli(), m.SentAt.UnixMilli(),
		boolInt(m.IsRead), boolInt(m.IsStarred), boolInt(m.HasAttachments), boolInt(m.IsLocalOnly),
		boolInt(m.IsOutbox), boolInt(m.IsDraft), string(m.SyncStatus), m.LastSyncError, boolInt(m.IsLocalDeleted))
	if err != nil {
		return fmt.Errorf("failed to insert local message: %w", err)
	}
	if m.Body != nil {
		return s.setBodyTx(ctx, tx, m.ID, *m.Body, m.BodyContentType)
	}
	return nil
}

// UpdateMessageTx writes every mutable column of m
func (s *Store) UpdateMessageTx(ctx context.Context, tx *sql.Tx, m *mail.Message) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET remote_id = ?, folder_id = ?, thread_id = ?, subject = ?, sender_name = ?,
			sender_address = ?, to_json = ?, cc_json = ?, snippet = ?, received_at = ?, sent_at = ?,
			is_read = ?, is_starred = ?, has_attachments = ?, is_local_only = ?, is_outbox = ?, is_draft = ?,
			sync_status = ?, last_sync_error = ?, is_local_deleted = ?
		WHERE id = ?
	`, nullString(m.RemoteID), m.FolderID, m.ThreadID, m.Subject, m.From.Name, m.From.Address,
		encodeAddresses(m.To), encodeAddresses(m.Cc), m.Snippet, m.ReceivedAt.UnixMilli(), m.SentAt.UnixMilli(),
		boolInt(m.IsRead), boolInt(m.IsStarred), boolInt(m.HasAttachments), boolInt(m.IsLocalOnly),
		boolInt(m.IsOutbox), boolInt(m.IsDraft), string(m.SyncStatus), m.LastSyncError, boolInt(m.IsLocalDeleted), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, mailerr.ErrNotFound)
	}
	if m.Body != nil {
		return s.setBodyTx(ctx, tx, m.ID, *m.Body, m.BodyContentType)
	}
	return nil
}

func (s *Store) DeleteMessageTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *Store) setBodyTx(ctx context.Context, tx *sql.Tx, messageID, content, contentType string) error {
	if contentType == "" {
		contentType = "text"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_bodies (message_id, content, content_type, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			content_type = excluded.content_type,
			fetched_at = excluded.fetched_at
	`, messageID, content, contentType, s.nowMillis())
	if err != nil {
		return fmt.Errorf("failed to store message body: %w", err)
	}
	return nil
}

// SaveMessageBody stores a lazily fetched body and its attachment metadata
func (s *Store) SaveMessageBody(ctx context.Context, messageID, content, contentType string, attachments []mail.Attachment) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.setBodyTx(ctx, tx, messageID, content, contentType); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("failed to clear attachments: %w", err)
		}
		for _, a := range attachments {
			status := a.DownloadStatus
			if status == "" {
				status = "not-downloaded"
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, remote_id, file_name, size, content_type, is_inline, download_status, local_path)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, uuid.NewString(), messageID, a.RemoteID, a.FileName, a.Size, a.ContentType, boolInt(a.IsInline), status, a.LocalPath)
			if err != nil {
				return fmt.Errorf("failed to insert attachment: %w", err)
			}
		}
		if len(attachments) > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET has_attachments = 1 WHERE id = ?`, messageID); err != nil {
				return fmt.Errorf("failed to flag attachments: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]mail.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, remote_id, file_name, size, content_type, is_inline, download_status, local_path
		FROM attachments WHERE message_id = ? ORDER BY file_name, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []mail.Attachment
	for rows.Next() {
		var (
			a      mail.Attachment
			inline int
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.RemoteID, &a.FileName, &a.Size, &a.ContentType, &inline, &a.DownloadStatus, &a.LocalPath); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.IsInline = inline == 1
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// ListThreads groups the folder's messages by conversation id
func (s *Store) ListThreads(ctx context.Context, folderID string) ([]mail.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, subject, COUNT(*), SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), MAX(received_at)
		FROM messages
		WHERE folder_id = ? AND is_local_deleted = 0 AND thread_id != ''
		GROUP BY thread_id
		ORDER BY MAX(received_at) DESC
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []mail.Thread
	for rows.Next() {
		var (
			t      mail.Thread
			latest int64
		)
		if err := rows.Scan(&t.ThreadID, &t.Subject, &t.MessageCount, &t.UnreadCount, &latest); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.LatestAt = time.UnixMilli(latest)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}
