// Package fetch pages a folder's bulk listing into the store on demand as a
// reader scrolls past what is cached.
package fetch

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/state"
	"github.com/Martian-dev/mailsync/internal/store"
)

type Status string

const (
	StatusIdle           Status = "idle"
	StatusLoadingInitial Status = "loading-initial"
	StatusLoadingMore    Status = "loading-more"
	StatusError          Status = "error"
	StatusEndOfData      Status = "end-of-data"
)

// State is the paging state of one folder
type State struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	NeedsReauth bool      `json:"needs_reauth,omitempty"`
	Fetched     int       `json:"fetched"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Mediator struct {
	store       *store.Store
	providers   *provider.Registry
	log         *zap.Logger
	pageSize    int
	callTimeout time.Duration

	group  singleflight.Group
	states *state.Hub[string, State]
}

func NewMediator(st *store.Store, providers *provider.Registry, log *zap.Logger, pageSize int, callTimeout time.Duration) *Mediator {
	if pageSize <= 0 {
		pageSize = 50
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Mediator{
		store:       st,
		providers:   providers,
		log:         log.Named("fetch"),
		pageSize:    pageSize,
		callTimeout: callTimeout,
		states:      state.NewHub[string, State](),
	}
}

// States exposes the paging state per folder id
func (m *Mediator) States() *state.Hub[string, State] {
	return m.states
}

func (m *Mediator) State(folderID string) State {
	if st, ok := m.states.Get(folderID); ok {
		return st
	}
	return State{Status: StatusIdle}
}

// Ensure returns cached messages [offset, offset+limit), fetching further
// listing pages first while the cache falls short and the listing has more.
// A fetch failure still returns whatever is cached alongside the error.
func (m *Mediator) Ensure(ctx context.Context, folderID string, offset, limit int) ([]mail.Message, error) {
	var fetchErr error
	for {
		n, err := m.store.CountMessages(ctx, folderID)
		if err != nil {
			return nil, err
		}
		if n >= offset+limit {
			break
		}
		st, err := m.LoadMore(ctx, folderID)
		if err != nil {
			fetchErr = err
			break
		}
		if st.Status == StatusEndOfData {
			break
		}
		if st.Fetched == 0 {
			// an empty page with a cursor; let the next call retry
			break
		}
	}

	msgs, err := m.store.ListMessages(ctx, folderID, limit, offset)
	if err != nil {
		return nil, err
	}
	return msgs, fetchErr
}

// LoadMore fetches the next listing page of a folder and appends it.
// Concurrent calls for one folder share a single provider request, which
// runs detached from the callers under the call timeout. A caller that
// gives up only stops waiting.
func (m *Mediator) LoadMore(ctx context.Context, folderID string) (State, error) {
	ch := m.group.DoChan(folderID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
		defer cancel()
		return m.loadMore(shared, folderID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return m.State(folderID), res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return m.State(folderID), errors.Wrap(mailerr.ErrCanceled, "load more")
	}
}

func (m *Mediator) loadMore(ctx context.Context, folderID string) (State, error) {
	folder, err := m.store.GetFolder(ctx, folderID)
	if err != nil {
		return State{}, err
	}
	log := m.log.With(zap.String("folder_id", folderID))

	if folder.ListComplete {
		st := State{Status: StatusEndOfData, UpdatedAt: time.Now()}
		m.states.Set(folderID, st)
		return st, nil
	}

	account, err := m.store.GetAccount(ctx, folder.AccountID)
	if err != nil {
		return State{}, err
	}
	if account.NeedsReauth {
		err := errors.Wrapf(mailerr.ErrAuthenticationNeeded, "account %s", account.ID)
		m.states.Set(folderID, State{Status: StatusError, Message: err.Error(), NeedsReauth: true, UpdatedAt: time.Now()})
		return State{}, err
	}

	prev, hadPrev := m.states.Get(folderID)
	loading := StatusLoadingMore
	if folder.NextPageCursor == "" {
		loading = StatusLoadingInitial
	}
	m.states.Set(folderID, State{Status: loading, UpdatedAt: time.Now()})

	page, err := m.fetch(ctx, *account, *folder)
	if err != nil {
		if mailerr.IsCanceled(err) {
			if hadPrev {
				m.states.Set(folderID, prev)
			} else {
				m.states.Delete(folderID)
			}
			return State{}, err
		}
		log.Warn("Listing page failed", zap.Error(err))
		m.states.Set(folderID, State{
			Status:      StatusError,
			Message:     err.Error(),
			NeedsReauth: mailerr.IsAuthenticationNeeded(err),
			UpdatedAt:   time.Now(),
		})
		return State{}, err
	}

	var written int
	err = m.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		if written, err = m.store.UpsertMessagesTx(ctx, tx, account.ID, folder.ID, page.Messages); err != nil {
			return err
		}
		return m.store.SaveFolderCursorTx(ctx, tx, folder.ID, page.NextPageCursor)
	})
	if err != nil {
		m.states.Set(folderID, State{Status: StatusError, Message: err.Error(), UpdatedAt: time.Now()})
		return State{}, errors.Wrap(err, "append listing page")
	}

	st := State{Status: StatusIdle, Fetched: written, UpdatedAt: time.Now()}
	if page.NextPageCursor == "" {
		st.Status = StatusEndOfData
	}
	m.states.Set(folderID, st)
	log.Debug("Listing page appended", zap.Int("messages", written), zap.Bool("more", page.NextPageCursor != ""))
	return st, nil
}

func (m *Mediator) fetch(ctx context.Context, account mail.Account, folder mail.Folder) (*provider.MessagePage, error) {
	p, err := m.providers.Adapter(ctx, account)
	if err != nil {
		return nil, err
	}

	page, err := p.ListMessages(ctx, folder.RemoteID, m.pageSize, folder.NextPageCursor)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}

	valid := page.Messages[:0:0]
	for _, msg := range page.Messages {
		if msg.RemoteID == "" {
			continue
		}
		valid = append(valid, msg)
	}
	page.Messages = valid
	return page, nil
}
