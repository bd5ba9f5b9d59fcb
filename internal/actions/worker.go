package actions

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

type UploadStatus string

const (
	UploadIdle        UploadStatus = "idle"
	UploadSyncing     UploadStatus = "syncing"
	UploadSyncSuccess UploadStatus = "sync-success"
	UploadSyncError   UploadStatus = "sync-error"
)

// UploadState is the per-account view of the upload lane
type UploadState struct {
	Status      UploadStatus `json:"status"`
	Pending     int          `json:"pending"`
	Failed      int          `json:"failed"`
	Message     string       `json:"message,omitempty"`
	NeedsReauth bool         `json:"needs_reauth,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type lane struct {
	wake    chan struct{}
	running bool
}

// Worker drains pending actions: serially per account, concurrently across
// accounts up to the configured bound.
type Worker struct {
	store       *store.Store
	providers   *provider.Registry
	log         *zap.Logger
	maxAttempts int
	backoff     backoff.Backoff
	callTimeout time.Duration
	sem         *semaphore.Weighted
	onAuth      func(accountID string)

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*lane

	states *state.Hub[string, UploadState]
}

func NewWorker(st *store.Store, providers *provider.Registry, log *zap.Logger, cfg *config.UploadConfig, callTimeout time.Duration) *Worker {
	root, stop := context.WithCancel(context.Background())
	concurrency := cfg.AccountConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Worker{
		store:       st,
		providers:   providers,
		log:         log.Named("upload"),
		maxAttempts: maxAttempts,
		backoff: backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: cfg.BackoffFactor,
			Jitter: true,
		},
		callTimeout: callTimeout,
		sem:         semaphore.NewWeighted(concurrency),
		root:        root,
		stop:        stop,
		lanes:       make(map[string]*lane),
		states:      state.NewHub[string, UploadState](),
	}
}

// OnAuthenticationNeeded registers a callback run when a replay reports the
// account's credential as unusable.
func (w *Worker) OnAuthenticationNeeded(fn func(accountID string)) {
	w.onAuth = fn
}

// States exposes the upload state per account id
func (w *Worker) States() *state.Hub[string, UploadState] {
	return w.states
}

func (w *Worker) State(accountID string) UploadState {
	if st, ok := w.states.Get(accountID); ok {
		return st
	}
	return UploadState{Status: UploadIdle}
}

// Start requeues actions interrupted by a previous run and wakes every
// account that still has work.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.store.ResetInFlightActions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("Requeued interrupted actions", zap.Int64("count", n))
	}

	accounts, err := w.store.AccountsWithPendingActions(ctx)
	if err != nil {
		return err
	}
	for _, id := range accounts {
		w.Trigger(id)
	}
	return nil
}

// Close stops every lane and waits for in-flight replays to return
func (w *Worker) Close() {
	w.stop()
	w.wg.Wait()
}

// Forget drops the account's state; its lane exits on its own once the
// account's actions are gone.
func (w *Worker) Forget(accountID string) {
	w.states.Delete(accountID)
}

// Trigger wakes the account's lane, starting it if needed
func (w *Worker) Trigger(accountID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root.Err() != nil {
		return
	}
	l, ok := w.lanes[accountID]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		w.lanes[accountID] = l
	}
	if l.running {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return
	}
	l.running = true
	w.wg.Add(1)
	go w.runLane(accountID, l)
}

// park ends the lane unless a trigger arrived meanwhile
func (w *Worker) park(l *lane) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-l.wake:
		return false
	default:
		l.running = false
		return true
	}
}

func (w *Worker) runLane(accountID string, l *lane) {
	defer w.wg.Done()
	log := w.log.With(zap.String("account_id", accountID))

	for {
		if w.root.Err() != nil {
			w.mu.Lock()
			l.running = false
			w.mu.Unlock()
			return
		}

		head, err := w.store.HeadAction(w.root, accountID)
		if err != nil {
			log.Error("Failed to read queue head", zap.Error(err))
			w.publish(accountID, UploadSyncError, err.Error(), false)
			if w.park(l) {
				return
			}
			continue
		}
		if head == nil {
			w.publish(accountID, UploadSyncSuccess, "", false)
			if w.park(l) {
				return
			}
			continue
		}

		// the head blocks the lane until its backoff expires
		if wait := time.Until(head.NextAttemptAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-l.wake:
				timer.Stop()
			case <-w.root.Done():
				timer.Stop()
			}
			continue
		}

		if err := w.sem.Acquire(w.root, 1); err != nil {
			continue
		}
		w.publish(accountID, UploadSyncing, head.LastError, false)
		keepGoing := w.process(log, head)
		w.sem.Release(1)

		if !keepGoing {
			w.mu.Lock()
			l.running = false
			w.mu.Unlock()
			return
		}
	}
}

// process replays one action and records the outcome. It reports whether
// the lane should continue.
func (w *Worker) process(log *zap.Logger, a *mail.PendingAction) bool {
	log = log.With(zap.Int64("action_id", a.ID), zap.String("type", string(a.Type)))

	if err := w.store.MarkActionInFlight(w.root, a.ID); err != nil {
		log.Error("Failed to mark action in flight", zap.Error(err))
		return false
	}

	account, err := w.store.GetAccount(w.root, a.AccountID)
	if err != nil {
		log.Error("Failed to load account", zap.Error(err))
		w.release(log, a)
		return false
	}
	if account.NeedsReauth {
		w.release(log, a)
		w.publish(a.AccountID, UploadSyncError, mailerr.ErrAuthenticationNeeded.Error(), true)
		return false
	}

	m, err := w.store.GetMessage(w.root, a.MessageID)
	if errors.Is(err, mailerr.ErrNotFound) {
		// the target is gone; nothing left to replay
		w.drop(log, a)
		return true
	}
	if err != nil {
		log.Error("Failed to load target message", zap.Error(err))
		w.release(log, a)
		return false
	}

	result, err := w.replay(*account, a, m)
	switch mailerr.Classify(err) {
	case mailerr.ClassNone:
		if err := w.succeed(a, result); err != nil {
			log.Error("Failed to commit upload result", zap.Error(err))
			w.release(log, a)
			return false
		}
		metrics.RecordUpload(string(a.Type), "success")
		log.Debug("Action uploaded")
		return true

	case mailerr.ClassCanceled:
		w.release(log, a)
		return false

	case mailerr.ClassAuth:
		metrics.RecordUpload(string(a.Type), "auth")
		log.Warn("Upload needs re-authentication", zap.Error(err))
		if err := w.store.SetNeedsReauth(w.root, a.AccountID, true); err != nil {
			log.Error("Failed to persist reauth flag", zap.Error(err))
		}
		w.providers.Forget(a.AccountID)
		w.release(log, a)
		w.publish(a.AccountID, UploadSyncError, err.Error(), true)
		if w.onAuth != nil {
			w.onAuth(a.AccountID)
		}
		return false

	case mailerr.ClassTransient:
		attempts := a.AttemptCount + 1
		if attempts < w.maxAttempts {
			next := time.Now().Add(w.backoff.ForAttempt(float64(attempts - 1)))
			if err := w.store.MarkActionRetry(w.root, a.ID, attempts, err.Error(), next); err != nil {
				log.Error("Failed to schedule retry", zap.Error(err))
				return false
			}
			metrics.RecordUpload(string(a.Type), "retry")
			log.Info("Upload failed, retrying", zap.Int("attempt", attempts), zap.Time("next", next), zap.Error(err))
			return true
		}
		w.fail(log, a, attempts, err)
		return true

	default:
		w.fail(log, a, a.AttemptCount+1, err)
		return true
	}
}

type replayResult struct {
	remoteID string
	rekeyed  bool
}

func (w *Worker) replay(account mail.Account, a *mail.PendingAction, m *mail.Message) (replayResult, error) {
	var res replayResult

	p, err := w.providers.Adapter(w.root, account)
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(w.root, w.callTimeout)
	defer cancel()

	needRemote := func() error {
		if m.RemoteID == "" {
			return errors.Errorf("message %s has no remote id", m.ID)
		}
		return nil
	}

	switch a.Type {
	case mail.ActionMarkRead:
		if err = needRemote(); err == nil {
			err = p.MarkRead(ctx, m.RemoteID, parseBool(a.Payload[mail.PayloadRead]))
		}
	case mail.ActionStar:
		if err = needRemote(); err == nil {
			err = p.Star(ctx, m.RemoteID, parseBool(a.Payload[mail.PayloadStarred]))
		}
	case mail.ActionDelete:
		if m.RemoteID == "" {
			// never uploaded; only the local row goes
			return res, nil
		}
		err = p.Delete(ctx, m.RemoteID)
	case mail.ActionMove:
		if err = needRemote(); err != nil {
			break
		}
		var dest *mail.Folder
		dest, err = w.store.GetFolder(w.root, a.Payload[mail.PayloadDestFolderID])
		if err != nil {
			break
		}
		if rk, ok := p.(provider.Rekeyer); ok {
			res.remoteID, err = rk.MoveRekeyed(ctx, m.RemoteID, dest.RemoteID)
			res.rekeyed = err == nil && res.remoteID != ""
		} else {
			err = p.Move(ctx, m.RemoteID, dest.RemoteID)
		}
	case mail.ActionSend:
		var d mail.Draft
		if d, err = decodeDraft(a); err == nil {
			d.RemoteID = m.RemoteID
			res.remoteID, err = p.Send(ctx, d)
		}
	case mail.ActionCreateDraft:
		var d mail.Draft
		if d, err = decodeDraft(a); err == nil {
			var created *mail.Message
			if created, err = p.CreateDraft(ctx, d); err == nil {
				res.remoteID = created.RemoteID
			}
		}
	case mail.ActionUpdateDraft:
		if err = needRemote(); err != nil {
			break
		}
		var d mail.Draft
		if d, err = decodeDraft(a); err == nil {
			d.RemoteID = m.RemoteID
			var updated *mail.Message
			if updated, err = p.UpdateDraft(ctx, m.RemoteID, d); err == nil && updated != nil {
				res.remoteID = updated.RemoteID
			}
		}
	default:
		err = errors.Errorf("unknown action type %q", a.Type)
	}

	if err != nil && w.root.Err() != nil {
		return res, errors.Wrap(mailerr.ErrCanceled, err.Error())
	}
	return res, err
}

// succeed removes the action and settles the message in one transaction
func (w *Worker) succeed(a *mail.PendingAction, res replayResult) error {
	return w.store.InTx(w.root, func(tx *sql.Tx) error {
		if err := w.store.DeleteActionTx(w.root, tx, a.ID); err != nil {
			return err
		}
		m, err := w.store.GetMessageTx(w.root, tx, a.MessageID)
		if errors.Is(err, mailerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch a.Type {
		case mail.ActionDelete:
			return w.store.DeleteMessageTx(w.root, tx, m.ID)
		case mail.ActionSend:
			if res.remoteID == "" {
				// the sent copy arrives with the next delta
				return w.store.DeleteMessageTx(w.root, tx, m.ID)
			}
			m.IsOutbox = false
			m.IsLocalOnly = false
		case mail.ActionCreateDraft:
			m.IsLocalOnly = false
		}

		if res.remoteID != "" && (a.Type != mail.ActionMove || res.rekeyed) {
			// a delta may already have stored the server copy
			dup, err := w.store.MessageIDByRemoteTx(w.root, tx, m.FolderID, res.remoteID)
			if err != nil {
				return err
			}
			if dup != "" && dup != m.ID {
				return w.store.DeleteMessageTx(w.root, tx, m.ID)
			}
			m.RemoteID = res.remoteID
		}

		remaining, err := w.store.CountUnresolvedActionsTx(w.root, tx, m.ID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			m.SyncStatus = mail.SyncIdle
			m.LastSyncError = ""
		}
		return w.store.UpdateMessageTx(w.root, tx, m)
	})
}

// fail marks the action failed and surfaces the error on the message,
// undoing the optimistic effects that would hide it.
func (w *Worker) fail(log *zap.Logger, a *mail.PendingAction, attempts int, cause error) {
	metrics.RecordUpload(string(a.Type), "failed")
	log.Warn("Upload failed permanently", zap.Int("attempts", attempts), zap.Error(cause))

	err := w.store.InTx(w.root, func(tx *sql.Tx) error {
		if err := w.store.MarkActionFailedTx(w.root, tx, a.ID, attempts, cause.Error()); err != nil {
			return err
		}
		m, err := w.store.GetMessageTx(w.root, tx, a.MessageID)
		if errors.Is(err, mailerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch a.Type {
		case mail.ActionDelete:
			m.IsLocalDeleted = false
		case mail.ActionMove:
			if src := a.Payload[mail.PayloadSrcFolderID]; src != "" {
				_, err := w.store.GetFolderTx(w.root, tx, src)
				switch {
				case err == nil:
					m.FolderID = src
				case !errors.Is(err, mailerr.ErrNotFound):
					return err
				}
			}
		}
		m.SyncStatus = mail.SyncError
		m.LastSyncError = cause.Error()
		return w.store.UpdateMessageTx(w.root, tx, m)
	})
	if err != nil {
		log.Error("Failed to record upload failure", zap.Error(err))
	}
}

func (w *Worker) drop(log *zap.Logger, a *mail.PendingAction) {
	err := w.store.InTx(w.root, func(tx *sql.Tx) error {
		return w.store.DeleteActionTx(w.root, tx, a.ID)
	})
	if err != nil {
		log.Error("Failed to drop orphaned action", zap.Error(err))
		return
	}
	metrics.RecordUpload(string(a.Type), "dropped")
	log.Info("Dropped action for missing message")
}

func (w *Worker) release(log *zap.Logger, a *mail.PendingAction) {
	// a canceled root must not block the release
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.ReleaseAction(ctx, a.ID); err != nil {
		log.Error("Failed to release action", zap.Error(err))
	}
}

func (w *Worker) publish(accountID string, status UploadStatus, msg string, needsReauth bool) {
	pending, failed := 0, 0
	if actions, err := w.store.ListActions(w.root, accountID); err == nil {
		for _, a := range actions {
			if a.Status == mail.ActionFailed {
				failed++
			} else {
				pending++
			}
		}
	}
	if status == UploadSyncSuccess && failed > 0 {
		status = UploadSyncError
		msg = strconv.Itoa(failed) + " action(s) failed"
	}
	w.states.Set(accountID, UploadState{
		Status:      status,
		Pending:     pending,
		Failed:      failed,
		Message:     msg,
		NeedsReauth: needsReauth,
		UpdatedAt:   time.Now(),
	})
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
