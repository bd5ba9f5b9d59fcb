package sync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

type FetchStatus string

const (
	StatusNotStarted FetchStatus = "not-started"
	StatusLoading    FetchStatus = "loading"
	StatusSuccess    FetchStatus = "success"
	StatusError      FetchStatus = "error"
)

// FetchState is the observable outcome of the latest pull for a key
type FetchState struct {
	Status      FetchStatus `json:"status"`
	Summary     *Summary    `json:"summary,omitempty"`
	Message     string      `json:"message,omitempty"`
	NeedsReauth bool        `json:"needs_reauth,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type launchMode int

const (
	// replace cancels a running job for the key
	launchReplace launchMode = iota
	// ifIdle leaves a running job alone
	launchIfIdle
)

// Controller owns the pull jobs of every observed account. At most one job
// runs per key; all jobs hang off one root context owned by the controller.
type Controller struct {
	driver      *Driver
	store       *store.Store
	providers   *provider.Registry
	log         *zap.Logger
	autoFolders map[mail.FolderType]bool

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	jobs   *jobRegistry
	states *state.Hub[JobKey, FetchState]

	mu       sync.Mutex
	observed map[string]mail.Account
}

func NewController(driver *Driver, st *store.Store, providers *provider.Registry, log *zap.Logger, autoFolders []mail.FolderType) *Controller {
	root, stop := context.WithCancel(context.Background())
	auto := make(map[mail.FolderType]bool, len(autoFolders))
	for _, t := range autoFolders {
		auto[t] = true
	}
	return &Controller{
		driver:      driver,
		store:       st,
		providers:   providers,
		log:         log.Named("controller"),
		autoFolders: auto,
		root:        root,
		stop:        stop,
		jobs:        newJobRegistry(),
		states:      state.NewHub[JobKey, FetchState](),
		observed:    make(map[string]mail.Account),
	}
}

// States exposes the aggregate fetch state per key
func (c *Controller) States() *state.Hub[JobKey, FetchState] {
	return c.states
}

func (c *Controller) State(key JobKey) FetchState {
	if st, ok := c.states.Get(key); ok {
		return st
	}
	return FetchState{Status: StatusNotStarted}
}

// ActiveJobs is the number of registered jobs
func (c *Controller) ActiveJobs() int {
	return c.jobs.count()
}

func (c *Controller) IsActive(key JobKey) bool {
	return c.jobs.active(key)
}

// Close cancels every job and waits for them to exit
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Controller) ObservedAccounts() []mail.Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	accounts := make([]mail.Account, 0, len(c.observed))
	for _, a := range c.observed {
		accounts = append(accounts, a)
	}
	return accounts
}

func (c *Controller) observedAccount(id string) (mail.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.observed[id]
	return a, ok
}

// SetObservedAccounts replaces the observed set. Removed accounts lose their
// jobs and state; added accounts get an initial pull unless one already
// succeeded.
func (c *Controller) SetObservedAccounts(accounts []mail.Account) {
	next := make(map[string]mail.Account, len(accounts))
	for _, a := range accounts {
		next[a.ID] = a
	}

	c.mu.Lock()
	var (
		removed []string
		added   []mail.Account
	)
	for id := range c.observed {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	for id, a := range next {
		if _, ok := c.observed[id]; !ok {
			added = append(added, a)
		}
	}
	c.observed = next
	c.mu.Unlock()

	for _, id := range removed {
		c.forget(id)
		c.log.Info("Stopped observing account", zap.String("account_id", id))
	}

	for _, a := range added {
		key := AccountKey(a.ID)
		if a.NeedsReauth {
			c.states.Set(key, reauthState())
			continue
		}
		if st, ok := c.states.Get(key); ok && st.Status == StatusSuccess {
			continue
		}
		c.launch(key, launchReplace)
	}
}

func (c *Controller) forget(accountID string) {
	ofAccount := func(k JobKey) bool { return k.AccountID == accountID }
	c.jobs.cancelWhere(ofAccount, nil)
	c.states.DeleteFunc(ofAccount)
	c.providers.Forget(accountID)
}

// RefreshAll relaunches the folder list pull of every observed account
func (c *Controller) RefreshAll() {
	for _, a := range c.ObservedAccounts() {
		if a.NeedsReauth {
			continue
		}
		c.launch(AccountKey(a.ID), launchReplace)
	}
}

// RefreshOne relaunches one key. An empty folderID targets the folder list.
func (c *Controller) RefreshOne(accountID, folderID string) error {
	a, ok := c.observedAccount(accountID)
	if !ok {
		return errors.Wrapf(mailerr.ErrNotFound, "account %s is not observed", accountID)
	}
	if a.NeedsReauth {
		return errors.Wrapf(mailerr.ErrAuthenticationNeeded, "account %s", accountID)
	}
	c.launch(JobKey{AccountID: accountID, FolderID: folderID}, launchReplace)
	return nil
}

// SyncIdle pulls every observed account whose keys have no running job
func (c *Controller) SyncIdle() {
	for _, a := range c.ObservedAccounts() {
		if a.NeedsReauth {
			continue
		}
		c.launch(AccountKey(a.ID), launchIfIdle)
	}
}

// ClearReauth resets the reauth flag after the user signed in again and
// relaunches the account's pull.
func (c *Controller) ClearReauth(ctx context.Context, accountID string) error {
	if err := c.store.SetNeedsReauth(ctx, accountID, false); err != nil {
		return err
	}
	c.providers.Forget(accountID)

	c.mu.Lock()
	a, ok := c.observed[accountID]
	if ok {
		a.NeedsReauth = false
		c.observed[accountID] = a
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.states.Delete(AccountKey(accountID))
	c.launch(AccountKey(accountID), launchReplace)
	return nil
}

func (c *Controller) launch(key JobKey, mode launchMode) bool {
	account, ok := c.observedAccount(key.AccountID)
	if !ok || account.NeedsReauth {
		return false
	}
	if mode == launchIfIdle && c.jobs.active(key) {
		return false
	}

	ctx, j, prev := c.jobs.register(c.root, key, func(old, j *job) {
		if old != nil {
			j.prior, j.hasPrior = old.prior, old.hasPrior
		} else {
			j.prior, j.hasPrior = c.states.Get(key)
		}
		c.states.Set(key, FetchState{Status: StatusLoading, UpdatedAt: time.Now()})
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(j.done)

		// the replaced job must be gone before this one calls out
		<-prev

		start := time.Now()
		sum, err := c.run(ctx, key, account)
		c.complete(ctx, key, j, mode, sum, err, time.Since(start))
	}()
	return true
}

func (c *Controller) run(ctx context.Context, key JobKey, account mail.Account) (Summary, error) {
	if err := checkpoint(ctx); err != nil {
		return Summary{}, err
	}
	if !key.IsFolder() {
		return c.driver.SyncFolderList(ctx, account)
	}
	folder, err := c.store.GetFolder(ctx, key.FolderID)
	if err != nil {
		return Summary{}, err
	}
	if folder.AccountID != account.ID {
		return Summary{}, errors.Wrapf(mailerr.ErrNotFound, "folder %s of account %s", key.FolderID, account.ID)
	}
	return c.driver.SyncFolderMessages(ctx, account, *folder)
}

func (c *Controller) complete(ctx context.Context, key JobKey, j *job, mode launchMode, sum Summary, err error, took time.Duration) {
	kind := "folders"
	if key.IsFolder() {
		kind = "messages"
	}
	log := c.log.With(zap.String("key", key.String()))

	if err != nil && (ctx.Err() != nil || mailerr.IsCanceled(err)) {
		c.jobs.settle(key, j, func() { c.restore(key, j) })
		metrics.RecordJob(kind, "canceled", took)
		log.Debug("Sync job canceled")
		return
	}

	if err == nil {
		settled := c.jobs.settle(key, j, func() {
			c.states.Set(key, FetchState{Status: StatusSuccess, Summary: &sum, UpdatedAt: time.Now()})
		})
		metrics.RecordJob(kind, "success", took)
		if !settled {
			return
		}
		log.Debug("Sync job finished", zap.Int("pages", sum.Pages), zap.Duration("took", took))
		if !key.IsFolder() {
			c.launchAutoFolders(key.AccountID, mode)
		}
		return
	}

	if mailerr.IsAuthenticationNeeded(err) {
		// the credential is bad whether or not this job was superseded
		observed := c.flagReauth(key.AccountID)
		c.jobs.settle(key, j, func() { c.states.Set(key, reauthState()) })
		c.jobs.cancelWhere(func(k JobKey) bool { return k.AccountID == key.AccountID }, c.restore)
		if observed {
			c.states.Set(AccountKey(key.AccountID), reauthState())
		}
		metrics.RecordJob(kind, "auth", took)
		log.Warn("Account needs re-authentication", zap.Error(err))
		return
	}

	c.jobs.settle(key, j, func() {
		c.states.Set(key, FetchState{Status: StatusError, Message: err.Error(), UpdatedAt: time.Now()})
	})
	metrics.RecordJob(kind, mailerr.Classify(err).String(), took)
	log.Error("Sync job failed", zap.Error(err), zap.Stringer("class", mailerr.Classify(err)))
}

// ReportAuthFailure stops pulls for an account whose credential was rejected
// outside a sync job, such as by the upload worker.
func (c *Controller) ReportAuthFailure(accountID string) {
	observed := c.flagReauth(accountID)
	c.jobs.cancelWhere(func(k JobKey) bool { return k.AccountID == accountID }, c.restore)
	if observed {
		c.states.Set(AccountKey(accountID), reauthState())
	}
	c.log.Warn("Account needs re-authentication", zap.String("account_id", accountID))
}

// restore puts back the state from before the job started, dropping Loading
func (c *Controller) restore(key JobKey, j *job) {
	if j.hasPrior && j.prior.Status != StatusLoading {
		c.states.Set(key, j.prior)
		return
	}
	c.states.Delete(key)
}

// flagReauth persists the reauth flag and stops further pulls for the
// account. It reports whether the account is still observed.
func (c *Controller) flagReauth(accountID string) bool {
	if err := c.store.SetNeedsReauth(c.root, accountID, true); err != nil {
		c.log.Error("Failed to persist reauth flag", zap.String("account_id", accountID), zap.Error(err))
	}
	c.providers.Forget(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.observed[accountID]
	if ok {
		a.NeedsReauth = true
		c.observed[accountID] = a
	}
	return ok
}

func (c *Controller) launchAutoFolders(accountID string, mode launchMode) {
	if len(c.autoFolders) == 0 {
		return
	}
	folders, err := c.store.ListFolders(c.root, accountID)
	if err != nil {
		c.log.Error("Failed to list folders for auto sync", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	for _, f := range folders {
		if c.autoFolders[f.Type] {
			c.launch(FolderKey(accountID, f.ID), mode)
		}
	}
}

func reauthState() FetchState {
	return FetchState{
		Status:      StatusError,
		Message:     mailerr.ErrAuthenticationNeeded.Error(),
		NeedsReauth: true,
		UpdatedAt:   time.Now(),
	}
}
