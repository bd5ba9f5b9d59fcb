// Package actions records local mail mutations as durable pending actions and
// replays them against the provider in the background.
package actions

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/store"
)

// ErrMessageDeleted is returned when mutating a message already deleted locally
var ErrMessageDeleted = errors.New("message is deleted")

// Queue applies user mutations optimistically and enqueues the matching
// pending action in the same transaction.
type Queue struct {
	store   *store.Store
	log     *zap.Logger
	trigger func(accountID string)
}

// NewQueue builds a queue; trigger, when set, is called after every enqueue
func NewQueue(st *store.Store, log *zap.Logger, trigger func(accountID string)) *Queue {
	return &Queue{store: st, log: log.Named("queue"), trigger: trigger}
}

func (q *Queue) notify(accountID string) {
	if q.trigger != nil {
		q.trigger(accountID)
	}
}

// mutate loads the message, applies fn and enqueues the action fn returns
func (q *Queue) mutate(ctx context.Context, messageID string, fn func(m *mail.Message) (*mail.PendingAction, error)) (*mail.PendingAction, error) {
	var action *mail.PendingAction
	err := q.store.InTx(ctx, func(tx *sql.Tx) error {
		m, err := q.store.GetMessageTx(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if m.IsLocalDeleted {
			return errors.Wrapf(ErrMessageDeleted, "message %s", messageID)
		}

		a, err := fn(m)
		if err != nil {
			return err
		}
		a.AccountID = m.AccountID
		a.MessageID = m.ID

		if err := q.store.UpdateMessageTx(ctx, tx, m); err != nil {
			return err
		}
		if err := q.store.EnqueueActionTx(ctx, tx, a); err != nil {
			return err
		}
		action = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Debug("Action enqueued",
		zap.Int64("action_id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("message_id", messageID))
	q.notify(action.AccountID)
	return action, nil
}

// markPending keeps a pending delete visible over later flag changes
func markPending(m *mail.Message) {
	if m.SyncStatus != mail.SyncPendingDelete {
		m.SyncStatus = mail.SyncPendingUpload
	}
	m.LastSyncError = ""
}

func (q *Queue) MarkRead(ctx context.Context, messageID string, isRead bool) (*mail.PendingAction, error) {
	return q.mutate(ctx, messageID, func(m *mail.Message) (*mail.PendingAction, error) {
		m.IsRead = isRead
		markPending(m)
		return &mail.PendingAction{
			Type:    mail.ActionMarkRead,
			Payload: map[string]string{mail.PayloadRead: boolString(isRead)},
		}, nil
	})
}

func (q *Queue) Star(ctx context.Context, messageID string, isStarred bool) (*mail.PendingAction, error) {
	return q.mutate(ctx, messageID, func(m *mail.Message) (*mail.PendingAction, error) {
		m.IsStarred = isStarred
		markPending(m)
		return &mail.PendingAction{
			Type:    mail.ActionStar,
			Payload: map[string]string{mail.PayloadStarred: boolString(isStarred)},
		}, nil
	})
}

// Delete hides the message at once; it is hard-deleted when the server confirms
func (q *Queue) Delete(ctx context.Context, messageID string) (*mail.PendingAction, error) {
	return q.mutate(ctx, messageID, func(m *mail.Message) (*mail.PendingAction, error) {
		m.IsLocalDeleted = true
		m.SyncStatus = mail.SyncPendingDelete
		m.LastSyncError = ""
		return &mail.PendingAction{Type: mail.ActionDelete, Payload: map[string]string{}}, nil
	})
}

func (q *Queue) Move(ctx context.Context, messageID, destFolderID string) (*mail.PendingAction, error) {
	dest, err := q.store.GetFolder(ctx, destFolderID)
	if err != nil {
		return nil, err
	}
	return q.mutate(ctx, messageID, func(m *mail.Message) (*mail.PendingAction, error) {
		if dest.AccountID != m.AccountID {
			return nil, errors.Errorf("folder %s belongs to another account", destFolderID)
		}
		src := m.FolderID
		m.FolderID = dest.ID
		markPending(m)
		return &mail.PendingAction{
			Type: mail.ActionMove,
			Payload: map[string]string{
				mail.PayloadSrcFolderID:  src,
				mail.PayloadDestFolderID: dest.ID,
			},
		}, nil
	})
}

// Send puts the draft in the outbox of the account's sent folder
func (q *Queue) Send(ctx context.Context, accountID string, draft mail.Draft) (*mail.Message, error) {
	return q.createLocal(ctx, accountID, draft, mail.ActionSend, mail.FolderSent)
}

// CreateDraft stores a local draft and uploads it in the background
func (q *Queue) CreateDraft(ctx context.Context, accountID string, draft mail.Draft) (*mail.Message, error) {
	return q.createLocal(ctx, accountID, draft, mail.ActionCreateDraft, mail.FolderDrafts)
}

func (q *Queue) createLocal(ctx context.Context, accountID string, draft mail.Draft, t mail.ActionType, folderType mail.FolderType) (*mail.Message, error) {
	folder, err := q.store.FolderByType(ctx, accountID, folderType)
	if err != nil && folderType == mail.FolderSent {
		folder, err = q.store.FolderByType(ctx, accountID, mail.FolderDrafts)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "no %s folder for account %s", folderType, accountID)
	}

	payload, err := encodeDraft(draft)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	body := draft.Body
	m := &mail.Message{
		AccountID:       accountID,
		FolderID:        folder.ID,
		Subject:         draft.Subject,
		From:            draft.From,
		To:              draft.To,
		Cc:              draft.Cc,
		Snippet:         snippet(draft.Body),
		ReceivedAt:      now,
		SentAt:          now,
		IsRead:          true,
		Body:            &body,
		BodyContentType: draft.ContentType,
		IsLocalOnly:     true,
		IsOutbox:        t == mail.ActionSend,
		IsDraft:         t == mail.ActionCreateDraft,
		SyncStatus:      mail.SyncPendingUpload,
	}

	a := &mail.PendingAction{
		AccountID: accountID,
		Type:      t,
		Payload:   map[string]string{mail.PayloadDraft: payload},
	}
	err = q.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := q.store.InsertLocalMessageTx(ctx, tx, m); err != nil {
			return err
		}
		a.MessageID = m.ID
		return q.store.EnqueueActionTx(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}

	q.log.Debug("Local message enqueued", zap.Int64("action_id", a.ID), zap.String("type", string(t)), zap.String("message_id", m.ID))
	q.notify(accountID)
	return m, nil
}

// UpdateDraft rewrites a draft locally and enqueues the upload
func (q *Queue) UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.PendingAction, error) {
	payload, err := encodeDraft(draft)
	if err != nil {
		return nil, err
	}
	return q.mutate(ctx, messageID, func(m *mail.Message) (*mail.PendingAction, error) {
		if !m.IsDraft {
			return nil, errors.Errorf("message %s is not a draft", m.ID)
		}
		body := draft.Body
		m.Subject = draft.Subject
		m.To = draft.To
		m.Cc = draft.Cc
		m.Snippet = snippet(draft.Body)
		m.Body = &body
		m.BodyContentType = draft.ContentType
		markPending(m)
		return &mail.PendingAction{
			Type:    mail.ActionUpdateDraft,
			Payload: map[string]string{mail.PayloadDraft: payload},
		}, nil
	})
}

// RetryAction returns a failed action to the queue and re-applies its
// optimistic effect on the message.
func (q *Queue) RetryAction(ctx context.Context, actionID int64) (*mail.PendingAction, error) {
	a, err := q.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != mail.ActionFailed {
		return nil, errors.Wrapf(mailerr.ErrNotFound, "failed action %d", actionID)
	}

	err = q.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := q.store.ResetActionTx(ctx, tx, a.ID); err != nil {
			return err
		}
		m, err := q.store.GetMessageTx(ctx, tx, a.MessageID)
		if errors.Is(err, mailerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch a.Type {
		case mail.ActionDelete:
			m.IsLocalDeleted = true
			m.SyncStatus = mail.SyncPendingDelete
		case mail.ActionMove:
			if dest := a.Payload[mail.PayloadDestFolderID]; dest != "" {
				m.FolderID = dest
			}
			markPending(m)
		default:
			markPending(m)
		}
		m.LastSyncError = ""
		return q.store.UpdateMessageTx(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}

	q.log.Info("Retrying failed action", zap.Int64("action_id", a.ID), zap.String("type", string(a.Type)))
	q.notify(a.AccountID)
	return q.store.GetAction(ctx, a.ID)
}

func encodeDraft(d mail.Draft) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "encode draft")
	}
	return string(b), nil
}

func decodeDraft(a *mail.PendingAction) (mail.Draft, error) {
	var d mail.Draft
	if err := json.Unmarshal([]byte(a.Payload[mail.PayloadDraft]), &d); err != nil {
		return d, errors.Wrapf(err, "decode draft of action %d", a.ID)
	}
	return d, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func snippet(body string) string {
	const limit = 160
	r := []rune(body)
	if len(r) > limit {
		return string(r[:limit])
	}
	return body
}
