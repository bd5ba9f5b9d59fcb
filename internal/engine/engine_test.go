package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/provider/providertest"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const wait = 5 * time.Second

type fixture struct {
	engine *Engine
	store  *store.Store
	fake   *providertest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := providertest.New()
	fake.SetFolders(
		mail.Folder{RemoteID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox},
		mail.Folder{RemoteID: "SENT", DisplayName: "Sent", Type: mail.FolderSent},
	)
	fake.SetListing("INBOX", "", provider.MessagePage{Messages: []mail.Message{
		{RemoteID: "m1", Subject: "hello", ThreadID: "t1", ReceivedAt: time.Now()},
	}})
	fake.SetBody(mail.Message{RemoteID: "m1", Body: strPtr("full body"), BodyContentType: "text"})

	registry := provider.NewRegistry()
	registry.Register(mail.ProviderGoogle, func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		return fake, nil
	})

	cfg := &config.Config{
		Sync: &config.SyncConfig{
			PageSize:        50,
			CallTimeout:     time.Second,
			AutoSyncFolders: []string{"inbox"},
		},
		Upload: &config.UploadConfig{
			MaxAttempts:        3,
			BackoffMin:         10 * time.Millisecond,
			BackoffMax:         50 * time.Millisecond,
			BackoffFactor:      2,
			AccountConcurrency: 2,
		},
	}

	e := New(st, registry, zap.NewNop(), cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return &fixture{engine: e, store: st, fake: fake}
}

func strPtr(s string) *string { return &s }

// addSynced adds an account and waits for its inbox pull to finish
func (f *fixture) addSynced(t *testing.T) (mail.Account, mail.Folder) {
	t.Helper()
	ctx := context.Background()
	account := mail.Account{DisplayName: "Ada", Username: "ada@example.com", Provider: mail.ProviderGoogle}
	require.NoError(t, f.engine.AddAccount(ctx, &account))

	var inbox *mail.Folder
	require.Eventually(t, func() bool {
		var err error
		inbox, err = f.store.FolderByType(ctx, account.ID, mail.FolderInbox)
		if err != nil {
			return false
		}
		return f.engine.FetchState(account.ID, inbox.ID).Status == mailsync.StatusSuccess
	}, wait, 5*time.Millisecond)
	return account, *inbox
}

func (f *fixture) inboxMessage(t *testing.T, folder mail.Folder) mail.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), folder.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestEngine_AddAccountPullsAutoFolders(t *testing.T) {
	f := newFixture(t)
	account, inbox := f.addSynced(t)

	folders, err := f.engine.Folders(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Len(t, folders, 2)

	m := f.inboxMessage(t, inbox)
	assert.Equal(t, "hello", m.Subject)

	threads, err := f.engine.Threads(context.Background(), inbox.ID)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ThreadID)

	snap := f.engine.States()
	assert.Equal(t, mailsync.StatusSuccess, snap.Fetch[account.ID].Status)
}

func TestEngine_AddAccountRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)
	err := f.engine.AddAccount(context.Background(), &mail.Account{Username: "x", Provider: "yahoo"})
	var setupErr *mailerr.SetupError
	require.ErrorAs(t, err, &setupErr)
}

func TestEngine_MutationIsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, inbox := f.addSynced(t)
	m := f.inboxMessage(t, inbox)

	_, err := f.engine.MarkRead(ctx, m.ID, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.engine.Message(ctx, m.ID)
		return err == nil && got.SyncStatus == mail.SyncIdle && got.IsRead
	}, wait, 5*time.Millisecond)
	assert.Contains(t, f.fake.Calls(), providertest.Call{Method: "MarkRead", RemoteID: "m1", Arg: "true"})

	pending, err := f.engine.PendingActions(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_UploadAuthFailureFlagsAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, inbox := f.addSynced(t)
	m := f.inboxMessage(t, inbox)

	f.fake.FailNext("Star", errors.Wrap(mailerr.ErrAuthenticationNeeded, "revoked"))
	_, err := f.engine.Star(ctx, m.ID, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.engine.FetchState(account.ID, "").NeedsReauth
	}, wait, 5*time.Millisecond)
	assert.ErrorIs(t, f.engine.Refresh(account.ID, ""), mailerr.ErrAuthenticationNeeded)

	require.NoError(t, f.engine.ClearReauth(ctx, account.ID))
	require.Eventually(t, func() bool {
		got, err := f.engine.Message(ctx, m.ID)
		return err == nil && got.SyncStatus == mail.SyncIdle && got.IsStarred
	}, wait, 5*time.Millisecond)

	stored, err := f.engine.Account(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsReauth)
}

func TestEngine_MessageBodyIsFetchedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, inbox := f.addSynced(t)
	m := f.inboxMessage(t, inbox)

	got, err := f.engine.MessageBody(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Body)
	assert.Equal(t, "full body", *got.Body)

	f.fake.FailNext("GetMessageBody", errors.New("should be served from the store"))
	got, err = f.engine.MessageBody(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "full body", *got.Body)
}

func TestEngine_RemoveAccountCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, inbox := f.addSynced(t)

	require.NoError(t, f.engine.RemoveAccount(ctx, account.ID))

	_, err := f.engine.Folder(ctx, inbox.ID)
	assert.ErrorIs(t, err, mailerr.ErrNotFound)
	assert.Empty(t, f.engine.States().Fetch)
	assert.ErrorIs(t, f.engine.RemoveAccount(ctx, account.ID), mailerr.ErrNotFound)
}

type sink struct {
	mu     sync.Mutex
	events []natsjs.Event
}

func (s *sink) Enqueue(e natsjs.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *sink) kinds() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for _, e := range s.events {
		out[e.Kind] = true
	}
	return out
}

func TestEngine_PublishesStateChanges(t *testing.T) {
	f := newFixture(t)
	s := &sink{}
	f.engine.PublishTo(s)

	_, inbox := f.addSynced(t)
	m := f.inboxMessage(t, inbox)
	_, err := f.engine.MarkRead(context.Background(), m.ID, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		k := s.kinds()
		return k[KindFetch] && k[KindUpload]
	}, wait, 5*time.Millisecond)
}
