// Package provider defines the contract every mail provider adapter
// implements and the registry that selects an adapter per account.
package provider

import (
	"context"
	"sync"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

// MessagePage is one page of a plain (non-delta) folder listing
type MessagePage struct {
	Messages       []mail.Message
	NextPageCursor string
}

// FolderDelta is one page of folder changes
type FolderDelta struct {
	Updated       []mail.Folder
	RemovedIDs    []string
	NextPageLink  string
	NextSyncToken string
}

// MessageDelta is one page of message changes for a folder
type MessageDelta struct {
	Updated       []mail.Message
	RemovedIDs    []string
	NextPageLink  string
	NextSyncToken string
}

// Provider is implemented once per mail provider and bound to one account.
// Ids passed in and returned are remote ids. Sync tokens and page links are
// opaque to callers and replayed verbatim.
type Provider interface {
	ListFolders(ctx context.Context, account mail.Account) ([]mail.Folder, error)
	ListMessages(ctx context.Context, folderID string, pageSize int, pageCursor string) (*MessagePage, error)
	GetMessageBody(ctx context.Context, messageID string) (*mail.Message, error)

	MarkRead(ctx context.Context, messageID string, isRead bool) error
	Star(ctx context.Context, messageID string, isStarred bool) error
	Delete(ctx context.Context, messageID string) error
	Move(ctx context.Context, messageID, destinationFolderID string) error
	Send(ctx context.Context, draft mail.Draft) (string, error)
	CreateDraft(ctx context.Context, draft mail.Draft) (*mail.Message, error)
	UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.Message, error)

	SyncFolders(ctx context.Context, account mail.Account, syncToken string) (*FolderDelta, error)
	SyncMessages(ctx context.Context, folderID, syncToken string, pageSizeHint int) (*MessageDelta, error)
}

// Rekeyer is implemented by adapters whose move assigns the message a new
// remote id. The upload worker prefers it over Move so the local row keeps
// matching later deltas.
type Rekeyer interface {
	MoveRekeyed(ctx context.Context, messageID, destinationFolderID string) (string, error)
}

// Factory builds an adapter for an account
type Factory func(ctx context.Context, account mail.Account) (Provider, error)

// Registry maps provider types to factories and caches one adapter per account
type Registry struct {
	mu        sync.Mutex
	factories map[mail.ProviderType]Factory
	adapters  map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[mail.ProviderType]Factory),
		adapters:  make(map[string]Provider),
	}
}

func (r *Registry) Register(t mail.ProviderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Adapter returns the account's adapter, creating it on first use. A
// provider type without a factory yields a *mailerr.SetupError.
func (r *Registry) Adapter(ctx context.Context, account mail.Account) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.adapters[account.ID]; ok {
		return p, nil
	}

	f, ok := r.factories[account.Provider]
	if !ok {
		return nil, &mailerr.SetupError{Provider: string(account.Provider)}
	}

	p, err := f(ctx, account)
	if err != nil {
		return nil, err
	}
	r.adapters[account.ID] = p
	return p, nil
}

// Forget drops the cached adapter so the next call rebuilds it
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, accountID)
}
