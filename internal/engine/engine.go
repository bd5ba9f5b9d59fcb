// Package engine ties the sync controller, upload worker and fetch mediator
// to one store and provider registry, and is the surface the API calls.
package engine

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/actions"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/fetch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Event kinds published for state changes
const (
	KindFetch   = "fetch"
	KindUpload  = "upload"
	KindListing = "listing"
)

type Engine struct {
	store     *store.Store
	providers *provider.Registry
	log       *zap.Logger
	cfg       *config.Config

	driver     *mailsync.Driver
	controller *mailsync.Controller
	scheduler  *mailsync.Scheduler
	queue      *actions.Queue
	worker     *actions.Worker
	mediator   *fetch.Mediator
}

func New(st *store.Store, providers *provider.Registry, log *zap.Logger, cfg *config.Config) *Engine {
	driver := mailsync.NewDriver(st, providers, log, cfg.Sync.PageSize, cfg.Sync.CallTimeout)
	controller := mailsync.NewController(driver, st, providers, log, cfg.Sync.AutoSyncFolderTypes())
	worker := actions.NewWorker(st, providers, log, cfg.Upload, cfg.Sync.CallTimeout)
	worker.OnAuthenticationNeeded(controller.ReportAuthFailure)

	return &Engine{
		store:      st,
		providers:  providers,
		log:        log.Named("engine"),
		cfg:        cfg,
		driver:     driver,
		controller: controller,
		scheduler:  mailsync.NewScheduler(controller, log),
		queue:      actions.NewQueue(st, log, worker.Trigger),
		worker:     worker,
		mediator:   fetch.NewMediator(st, providers, log, cfg.Sync.PageSize, cfg.Sync.CallTimeout),
	}
}

// Start observes every stored account, resumes queued actions and starts
// the periodic refresh. An empty refresh schedule disables it.
func (e *Engine) Start(ctx context.Context) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return errors.Wrap(err, "list accounts")
	}
	e.controller.SetObservedAccounts(accounts)

	if err := e.worker.Start(ctx); err != nil {
		return errors.Wrap(err, "start upload worker")
	}

	if spec := e.cfg.Sync.RefreshSchedule; spec != "" {
		if err := e.scheduler.Start(spec); err != nil {
			return errors.Wrapf(err, "schedule refresh %q", spec)
		}
	}

	e.log.Info("Engine started", zap.Int("accounts", len(accounts)))
	return nil
}

func (e *Engine) Close() {
	e.scheduler.Stop()
	e.controller.Close()
	e.worker.Close()
}

// PublishTo mirrors every state change into sink
func (e *Engine) PublishTo(sink natsjs.Sink) {
	natsjs.Watch(sink, e.controller.States(), KindFetch, mailsync.JobKey.String)
	natsjs.Watch(sink, e.worker.States(), KindUpload, func(k string) string { return k })
	natsjs.Watch(sink, e.mediator.States(), KindListing, func(k string) string { return k })
}

func (e *Engine) Accounts(ctx context.Context) ([]mail.Account, error) {
	return e.store.ListAccounts(ctx)
}

func (e *Engine) Account(ctx context.Context, id string) (*mail.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// AddAccount stores the account and starts observing it. Re-adding an
// existing account updates it in place.
func (e *Engine) AddAccount(ctx context.Context, a *mail.Account) error {
	if a.Username == "" {
		return errors.New("username is required")
	}
	switch a.Provider {
	case mail.ProviderGoogle, mail.ProviderMicrosoft:
	default:
		return &mailerr.SetupError{Provider: string(a.Provider)}
	}

	if err := e.store.UpsertAccount(ctx, a); err != nil {
		return err
	}
	return e.observeAll(ctx)
}

// RemoveAccount stops the account's jobs and upload lane, then deletes the
// account and everything stored for it.
func (e *Engine) RemoveAccount(ctx context.Context, id string) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	remaining := make([]mail.Account, 0, len(accounts))
	found := false
	for _, a := range accounts {
		if a.ID == id {
			found = true
			continue
		}
		remaining = append(remaining, a)
	}
	if !found {
		return errors.Wrapf(mailerr.ErrNotFound, "account %s", id)
	}

	e.controller.SetObservedAccounts(remaining)
	e.worker.Forget(id)
	if err := e.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	e.providers.Forget(id)
	e.log.Info("Removed account", zap.String("account_id", id))
	return nil
}

// ClearReauth resumes pulls and uploads after the user signed in again
func (e *Engine) ClearReauth(ctx context.Context, id string) error {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return err
	}
	if err := e.controller.ClearReauth(ctx, id); err != nil {
		return err
	}
	e.worker.Trigger(id)
	return nil
}

func (e *Engine) observeAll(ctx context.Context) error {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	e.controller.SetObservedAccounts(accounts)
	return nil
}

func (e *Engine) Folders(ctx context.Context, accountID string) ([]mail.Folder, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListFolders(ctx, accountID)
}

func (e *Engine) Folder(ctx context.Context, id string) (*mail.Folder, error) {
	return e.store.GetFolder(ctx, id)
}

// Messages returns a window of the folder, fetching older pages on demand.
// Stored rows are returned alongside a fetch error.
func (e *Engine) Messages(ctx context.Context, folderID string, offset, limit int) ([]mail.Message, error) {
	return e.mediator.Ensure(ctx, folderID, offset, limit)
}

func (e *Engine) LoadMore(ctx context.Context, folderID string) (fetch.State, error) {
	return e.mediator.LoadMore(ctx, folderID)
}

func (e *Engine) Threads(ctx context.Context, folderID string) ([]mail.Thread, error) {
	return e.store.ListThreads(ctx, folderID)
}

func (e *Engine) Message(ctx context.Context, id string) (*mail.Message, error) {
	return e.store.GetMessage(ctx, id)
}

// MessageBody returns the message with its body, fetching and storing it on
// first access
func (e *Engine) MessageBody(ctx context.Context, id string) (*mail.Message, error) {
	m, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	account, err := e.store.GetAccount(ctx, m.AccountID)
	if err != nil {
		return nil, err
	}
	if account.NeedsReauth && m.Body == nil {
		return nil, errors.Wrapf(mailerr.ErrAuthenticationNeeded, "account %s", account.ID)
	}
	return e.driver.FetchBody(ctx, *account, id)
}

func (e *Engine) Attachments(ctx context.Context, messageID string) ([]mail.Attachment, error) {
	return e.store.ListAttachments(ctx, messageID)
}

func (e *Engine) MarkRead(ctx context.Context, messageID string, isRead bool) (*mail.PendingAction, error) {
	return e.queue.MarkRead(ctx, messageID, isRead)
}

func (e *Engine) Star(ctx context.Context, messageID string, isStarred bool) (*mail.PendingAction, error) {
	return e.queue.Star(ctx, messageID, isStarred)
}

func (e *Engine) Delete(ctx context.Context, messageID string) (*mail.PendingAction, error) {
	return e.queue.Delete(ctx, messageID)
}

func (e *Engine) Move(ctx context.Context, messageID, destFolderID string) (*mail.PendingAction, error) {
	return e.queue.Move(ctx, messageID, destFolderID)
}

func (e *Engine) Send(ctx context.Context, accountID string, draft mail.Draft) (*mail.Message, error) {
	return e.queue.Send(ctx, accountID, draft)
}

func (e *Engine) CreateDraft(ctx context.Context, accountID string, draft mail.Draft) (*mail.Message, error) {
	return e.queue.CreateDraft(ctx, accountID, draft)
}

func (e *Engine) UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.PendingAction, error) {
	return e.queue.UpdateDraft(ctx, messageID, draft)
}

func (e *Engine) PendingActions(ctx context.Context, accountID string) ([]mail.PendingAction, error) {
	return e.store.ListActions(ctx, accountID)
}

func (e *Engine) RetryAction(ctx context.Context, actionID int64) (*mail.PendingAction, error) {
	return e.queue.RetryAction(ctx, actionID)
}

func (e *Engine) RefreshAll() {
	e.controller.RefreshAll()
}

// Refresh relaunches one account's folder list, or one folder when folderID
// is set
func (e *Engine) Refresh(accountID, folderID string) error {
	return e.controller.RefreshOne(accountID, folderID)
}

// Snapshot is every published state at one point in time
type Snapshot struct {
	Fetch   map[string]mailsync.FetchState `json:"fetch"`
	Upload  map[string]actions.UploadState `json:"upload"`
	Listing map[string]fetch.State         `json:"listing"`
}

func (e *Engine) States() Snapshot {
	fetchStates := e.controller.States().Snapshot()
	snap := Snapshot{
		Fetch:   make(map[string]mailsync.FetchState, len(fetchStates)),
		Upload:  e.worker.States().Snapshot(),
		Listing: e.mediator.States().Snapshot(),
	}
	for k, v := range fetchStates {
		snap.Fetch[k.String()] = v
	}
	return snap
}

func (e *Engine) FetchState(accountID, folderID string) mailsync.FetchState {
	return e.controller.State(mailsync.JobKey{AccountID: accountID, FolderID: folderID})
}

func (e *Engine) UploadState(accountID string) actions.UploadState {
	return e.worker.State(accountID)
}

func (e *Engine) ActiveJobs() int {
	return e.controller.ActiveJobs()
}

func (e *Engine) ListingState(folderID string) fetch.State {
	return e.mediator.State(folderID)
}
