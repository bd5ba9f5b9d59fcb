// Package providertest provides a scripted in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
)

// Call records one mutation replayed against the fake
type Call struct {
	Method   string
	RemoteID string
	Arg      string
}

// Fake implements provider.Provider from scripted data
type Fake struct {
	mu sync.Mutex

	folders       []mail.Folder
	folderDeltas  map[string]provider.FolderDelta
	messageDeltas map[string]provider.MessageDelta
	listings      map[string]provider.MessagePage
	bodies        map[string]mail.Message
	errs          map[string][]error
	calls         []Call
	syncCalls     int
	nextRemote    int

	gate chan struct{}

	active    int32
	maxActive int32
}

var _ provider.Provider = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		folderDeltas:  make(map[string]provider.FolderDelta),
		messageDeltas: make(map[string]provider.MessageDelta),
		listings:      make(map[string]provider.MessagePage),
		bodies:        make(map[string]mail.Message),
		errs:          make(map[string][]error),
	}
}

func (f *Fake) SetFolders(folders ...mail.Folder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = folders
}

// SetFolderDelta scripts the response to SyncFolders(token)
func (f *Fake) SetFolderDelta(token string, d provider.FolderDelta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folderDeltas[token] = d
}

// SetMessageDelta scripts the response to SyncMessages(folderID, token)
func (f *Fake) SetMessageDelta(folderID, token string, d provider.MessageDelta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageDeltas[folderID+"|"+token] = d
}

// SetListing scripts the response to ListMessages(folderID, cursor)
func (f *Fake) SetListing(folderID, cursor string, page provider.MessagePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[folderID+"|"+cursor] = page
}

func (f *Fake) SetBody(m mail.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[m.RemoteID] = m
}

// FailNext makes the next len(errs) calls of method return errs in order
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = append(f.errs[method], errs...)
}

// Hold blocks SyncFolders and SyncMessages until the returned func is called
func (f *Fake) Hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// SyncCalls counts SyncFolders and SyncMessages invocations
func (f *Fake) SyncCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

// MaxConcurrentSyncs is the highest number of overlapping sync calls seen
func (f *Fake) MaxConcurrentSyncs() int {
	return int(atomic.LoadInt32(&f.maxActive))
}

func (f *Fake) takeErr(method string) error {
	queue := f.errs[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.errs[method] = queue[1:]
	return err
}

func (f *Fake) record(method, remoteID, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(method); err != nil {
		return err
	}
	f.calls = append(f.calls, Call{Method: method, RemoteID: remoteID, Arg: arg})
	return nil
}

func (f *Fake) enterSync(ctx context.Context, method string) (func(), error) {
	n := atomic.AddInt32(&f.active, 1)
	for {
		seen := atomic.LoadInt32(&f.maxActive)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxActive, seen, n) {
			break
		}
	}
	leave := func() { atomic.AddInt32(&f.active, -1) }

	f.mu.Lock()
	f.syncCalls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	err := f.takeErr(method)
	f.mu.Unlock()
	if err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (f *Fake) ListFolders(ctx context.Context, account mail.Account) ([]mail.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ListFolders"); err != nil {
		return nil, err
	}
	return append([]mail.Folder(nil), f.folders...), nil
}

func (f *Fake) ListMessages(ctx context.Context, folderID string, pageSize int, pageCursor string) (*provider.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("ListMessages"); err != nil {
		return nil, err
	}
	page := f.listings[folderID+"|"+pageCursor]
	return &page, nil
}

func (f *Fake) GetMessageBody(ctx context.Context, messageID string) (*mail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("GetMessageBody"); err != nil {
		return nil, err
	}
	m, ok := f.bodies[messageID]
	if !ok {
		return nil, fmt.Errorf("no body scripted for %s", messageID)
	}
	return &m, nil
}

func (f *Fake) MarkRead(ctx context.Context, messageID string, isRead bool) error {
	return f.record("MarkRead", messageID, fmt.Sprint(isRead))
}

func (f *Fake) Star(ctx context.Context, messageID string, isStarred bool) error {
	return f.record("Star", messageID, fmt.Sprint(isStarred))
}

func (f *Fake) Delete(ctx context.Context, messageID string) error {
	return f.record("Delete", messageID, "")
}

func (f *Fake) Move(ctx context.Context, messageID, destinationFolderID string) error {
	return f.record("Move", messageID, destinationFolderID)
}

func (f *Fake) newRemoteID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRemote++
	return fmt.Sprintf("%s-%d", prefix, f.nextRemote)
}

func (f *Fake) Send(ctx context.Context, draft mail.Draft) (string, error) {
	if err := f.record("Send", draft.RemoteID, draft.Subject); err != nil {
		return "", err
	}
	return f.newRemoteID("sent"), nil
}

func (f *Fake) CreateDraft(ctx context.Context, draft mail.Draft) (*mail.Message, error) {
	if err := f.record("CreateDraft", "", draft.Subject); err != nil {
		return nil, err
	}
	return &mail.Message{RemoteID: f.newRemoteID("draft"), Subject: draft.Subject, IsDraft: true}, nil
}

func (f *Fake) UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.Message, error) {
	if err := f.record("UpdateDraft", messageID, draft.Subject); err != nil {
		return nil, err
	}
	return &mail.Message{RemoteID: messageID, Subject: draft.Subject, IsDraft: true}, nil
}

func (f *Fake) SyncFolders(ctx context.Context, account mail.Account, syncToken string) (*provider.FolderDelta, error) {
	leave, err := f.enterSync(ctx, "SyncFolders")
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.folderDeltas[syncToken]; ok {
		return &d, nil
	}
	if syncToken == "" {
		return &provider.FolderDelta{NextSyncToken: "F0"}, nil
	}
	return &provider.FolderDelta{NextSyncToken: syncToken}, nil
}

func (f *Fake) SyncMessages(ctx context.Context, folderID, syncToken string, pageSizeHint int) (*provider.MessageDelta, error) {
	leave, err := f.enterSync(ctx, "SyncMessages")
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.messageDeltas[folderID+"|"+syncToken]; ok {
		return &d, nil
	}
	if syncToken == "" {
		return &provider.MessageDelta{NextSyncToken: "T0"}, nil
	}
	return &provider.MessageDelta{NextSyncToken: syncToken}, nil
}
