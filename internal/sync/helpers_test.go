package sync

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/provider/providertest"
	"github.com/Martian-dev/mailsync/internal/store"
)

type testEnv struct {
	store    *store.Store
	fake     *providertest.Fake
	registry *provider.Registry
	account  mail.Account
	inbox    mail.Folder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	account := mail.Account{DisplayName: "Ada", Username: "ada@example.com", Provider: mail.ProviderMicrosoft}
	require.NoError(t, st.UpsertAccount(ctx, &account))

	err = st.InTx(ctx, func(tx *sql.Tx) error {
		return st.UpsertFoldersTx(ctx, tx, account.ID, []mail.Folder{
			{RemoteID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox},
			{RemoteID: "ARCHIVE", DisplayName: "Archive", Type: mail.FolderArchive},
		})
	})
	require.NoError(t, err)
	inbox, err := st.FolderByType(ctx, account.ID, mail.FolderInbox)
	require.NoError(t, err)

	fake := providertest.New()
	fake.SetFolders(
		mail.Folder{RemoteID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox},
		mail.Folder{RemoteID: "ARCHIVE", DisplayName: "Archive", Type: mail.FolderArchive},
	)
	registry := provider.NewRegistry()
	registry.Register(mail.ProviderMicrosoft, func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		return fake, nil
	})

	return &testEnv{store: st, fake: fake, registry: registry, account: account, inbox: *inbox}
}

func (e *testEnv) driver() *Driver {
	return NewDriver(e.store, e.registry, zap.NewNop(), 50, 5*time.Second)
}

func (e *testEnv) controller(t *testing.T, autoFolders ...mail.FolderType) *Controller {
	t.Helper()
	c := NewController(e.driver(), e.store, e.registry, zap.NewNop(), autoFolders)
	t.Cleanup(c.Close)
	return c
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.ActiveJobs() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func (e *testEnv) setFolderToken(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, e.store.SaveFolderSyncToken(context.Background(), e.inbox.ID, token))
}

func msg(remoteID, subject string) mail.Message {
	return mail.Message{RemoteID: remoteID, Subject: subject, ThreadID: "t-" + remoteID, ReceivedAt: time.Unix(1700000000, 0)}
}
