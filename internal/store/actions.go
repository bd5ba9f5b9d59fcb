package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

const actionColumns = `id, account_id, message_id, type, payload, status, attempt_count, last_error, next_attempt_at, created_at`

func scanAction(row interface{ Scan(...any) error }) (*mail.PendingAction, error) {
	var (
		a               mail.PendingAction
		payload         string
		nextAt, created int64
	)
	err := row.Scan(&a.ID, &a.AccountID, &a.MessageID, &a.Type, &payload, &a.Status, &a.AttemptCount, &a.LastError, &nextAt, &created)
	if err != nil {
		return nil, err
	}
	a.Payload = map[string]string{}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of action %d: %w", a.ID, err)
	}
	a.NextAttemptAt = time.UnixMilli(nextAt)
	a.CreatedAt = time.UnixMilli(created)
	return &a, nil
}

func queryActions(ctx context.Context, q querier, where string, args ...any) ([]mail.PendingAction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []mail.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// EnqueueActionTx appends an action; callers pair it with the optimistic
// message write in the same transaction.
func (s *Store) EnqueueActionTx(ctx context.Context, tx *sql.Tx, a *mail.PendingAction) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}
	if a.Payload == nil {
		payload = []byte("{}")
	}

	now := s.nowMillis()
	a.Status = mail.ActionPending
	a.CreatedAt = time.UnixMilli(now)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_actions (account_id, message_id, type, payload, status, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, a.AccountID, a.MessageID, string(a.Type), string(payload), string(a.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get pending action id: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id int64) (*mail.PendingAction, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending action %d: %w", id, mailerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get pending action: %w", err)
	}
	return a, nil
}

// ListActions returns every action of the account in queue order
func (s *Store) ListActions(ctx context.Context, accountID string) ([]mail.PendingAction, error) {
	return queryActions(ctx, s.db, `account_id = ?`, accountID)
}

// HeadAction returns the oldest unresolved action of the account, or nil.
// Failed actions do not block the queue.
func (s *Store) HeadAction(ctx context.Context, accountID string) (*mail.PendingAction, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE account_id = ? AND status IN (?, ?)
		ORDER BY id LIMIT 1
	`, accountID, string(mail.ActionPending), string(mail.ActionInFlight)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get head action: %w", err)
	}
	return a, nil
}

// AccountsWithPendingActions lists accounts that have unresolved actions
func (s *Store) AccountsWithPendingActions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM pending_actions WHERE status IN (?, ?) ORDER BY account_id
	`, string(mail.ActionPending), string(mail.ActionInFlight))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts with actions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetInFlightActions returns actions interrupted by a restart to pending
func (s *Store) ResetInFlightActions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?, updated_at = ? WHERE status = ?
	`, string(mail.ActionPending), s.nowMillis(), string(mail.ActionInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight actions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) MarkActionInFlight(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?, updated_at = ? WHERE id = ?
	`, string(mail.ActionInFlight), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to mark action in flight: %w", err)
	}
	return nil
}

// MarkActionRetry records a transient failure and schedules the next attempt
func (s *Store) MarkActionRetry(ctx context.Context, id int64, attempts int, lastErr string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, string(mail.ActionPending), attempts, lastErr, next.UnixMilli(), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to mark action retry: %w", err)
	}
	return nil
}

// ReleaseAction puts an in-flight action back to pending without counting an attempt
func (s *Store) ReleaseAction(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(mail.ActionPending), s.nowMillis(), id, string(mail.ActionInFlight))
	if err != nil {
		return fmt.Errorf("failed to release action: %w", err)
	}
	return nil
}

func (s *Store) MarkActionFailedTx(ctx context.Context, tx *sql.Tx, id int64, attempts int, lastErr string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?, attempt_count = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(mail.ActionFailed), attempts, lastErr, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}
	return nil
}

// ResetActionTx makes a failed action eligible again with a fresh attempt count
func (s *Store) ResetActionTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, attempt_count = 0, last_error = '', next_attempt_at = 0, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(mail.ActionPending), s.nowMillis(), id, string(mail.ActionFailed))
	if err != nil {
		return fmt.Errorf("failed to reset action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed action %d: %w", id, mailerr.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteActionTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending action: %w", err)
	}
	return nil
}

// CountUnresolvedActionsTx counts pending or in-flight actions of a message
func (s *Store) CountUnresolvedActionsTx(ctx context.Context, tx *sql.Tx, messageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_actions WHERE message_id = ? AND status IN (?, ?)
	`, messageID, string(mail.ActionPending), string(mail.ActionInFlight)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count message actions: %w", err)
	}
	return n, nil
}
