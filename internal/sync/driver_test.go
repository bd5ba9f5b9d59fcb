package sync

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/provider"
)

func TestDriver_DeltaAppliesDeletesAndUpserts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")

	env.fake.SetMessageDelta("INBOX", "T0", provider.MessageDelta{
		Updated:      []mail.Message{msg("m1", "hello")},
		NextPageLink: "P1",
	})
	env.fake.SetMessageDelta("INBOX", "P1", provider.MessageDelta{
		Updated:       []mail.Message{msg("m2", "world")},
		NextSyncToken: "T1",
	})

	sum, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 2, sum.Upserted)
	assert.False(t, sum.FullSync)

	msgs, err := env.store.ListMessages(ctx, env.inbox.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	folder, err := env.store.GetFolder(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "T1", folder.SyncToken)
	assert.NotNil(t, folder.LastSyncedAt)

	// removal on the next round
	env.fake.SetMessageDelta("INBOX", "T1", provider.MessageDelta{
		RemovedIDs:    []string{"m1"},
		NextSyncToken: "T2",
	})
	sum, err = env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deleted)

	msgs, err = env.store.ListMessages(ctx, env.inbox.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].RemoteID)
}

func TestDriver_RemovalOnLaterPageWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")

	env.fake.SetMessageDelta("INBOX", "T0", provider.MessageDelta{
		Updated:      []mail.Message{msg("m1", "one"), msg("m2", "two")},
		NextPageLink: "p2",
	})
	env.fake.SetMessageDelta("INBOX", "p2", provider.MessageDelta{
		RemovedIDs:    []string{"m2"},
		NextSyncToken: "T1",
	})

	_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)

	msgs, err := env.store.ListMessages(ctx, env.inbox.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].RemoteID)

	folder, err := env.store.GetFolder(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "T1", folder.SyncToken)
}

func TestDriver_ReplayingPageIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")

	delta := provider.MessageDelta{
		Updated:       []mail.Message{msg("m1", "hello"), msg("m2", "world")},
		RemovedIDs:    []string{"gone"},
		NextSyncToken: "T0",
	}
	env.fake.SetMessageDelta("INBOX", "T0", delta)

	for i := 0; i < 3; i++ {
		_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
		require.NoError(t, err)
	}

	n, err := env.store.CountMessages(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDriver_FailureKeepsToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")

	env.fake.SetMessageDelta("INBOX", "T0", provider.MessageDelta{
		Updated:      []mail.Message{msg("m1", "hello")},
		NextPageLink: "P1",
	})
	env.fake.SetMessageDelta("INBOX", "P1", provider.MessageDelta{NextSyncToken: "T1"})
	env.fake.FailNext("SyncMessages", nil, &mailerr.APIError{HTTPStatus: 503})

	_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.Error(t, err)
	assert.Equal(t, mailerr.ClassTransient, mailerr.Classify(err))

	folder, err := env.store.GetFolder(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "T0", folder.SyncToken)

	// the first page was committed and is safe to replay
	n, err := env.store.CountMessages(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDriver_SkipsMalformedItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")

	env.fake.SetMessageDelta("INBOX", "T0", provider.MessageDelta{
		Updated:       []mail.Message{msg("", "broken"), msg("m1", "fine")},
		NextSyncToken: "T1",
	})

	sum, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Upserted)
}

func TestDriver_FullSyncWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.fake.SetListing("INBOX", "", provider.MessagePage{
		Messages:       []mail.Message{msg("m1", "a"), msg("m2", "b")},
		NextPageCursor: "c1",
	})
	env.fake.SetMessageDelta("INBOX", "", provider.MessageDelta{
		Updated:      []mail.Message{msg("ignored", "x")},
		NextPageLink: "L1",
	})
	env.fake.SetMessageDelta("INBOX", "L1", provider.MessageDelta{NextSyncToken: "T9"})

	sum, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)
	assert.True(t, sum.FullSync)
	assert.Equal(t, 2, sum.Upserted)

	folder, err := env.store.GetFolder(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "T9", folder.SyncToken)
	assert.Equal(t, "c1", folder.NextPageCursor)
	assert.False(t, folder.ListComplete)

	n, err := env.store.CountMessages(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDriver_FolderListFullThenDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.fake.SetFolders(
		mail.Folder{RemoteID: "INBOX", DisplayName: "Inbox", Type: mail.FolderInbox},
		mail.Folder{RemoteID: "SENT", DisplayName: "Sent", Type: mail.FolderSent},
	)

	sum, err := env.driver().SyncFolderList(ctx, env.account)
	require.NoError(t, err)
	assert.True(t, sum.FullSync)

	folders, err := env.store.ListFolders(ctx, env.account.ID)
	require.NoError(t, err)
	assert.Len(t, folders, 2)

	acc, err := env.store.GetAccount(ctx, env.account.ID)
	require.NoError(t, err)
	assert.Equal(t, "F0", acc.SyncToken)

	env.fake.SetFolderDelta("F0", provider.FolderDelta{
		Updated:       []mail.Folder{{RemoteID: "WORK", DisplayName: "Work", Type: mail.FolderUserCreated}},
		RemovedIDs:    []string{"SENT"},
		NextSyncToken: "F1",
	})
	sum, err = env.driver().SyncFolderList(ctx, env.account)
	require.NoError(t, err)
	assert.False(t, sum.FullSync)

	folders, err = env.store.ListFolders(ctx, env.account.ID)
	require.NoError(t, err)
	var remote []string
	for _, f := range folders {
		remote = append(remote, f.RemoteID)
	}
	assert.ElementsMatch(t, []string{"INBOX", "WORK"}, remote)
}

func TestDriver_ExpiredTokenFallsBackToFullSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "stale")

	env.fake.FailNext("SyncMessages", errors.New("wrapped: "+mailerr.ErrSyncTokenExpired.Error()))
	env.fake.SetListing("INBOX", "", provider.MessagePage{Messages: []mail.Message{msg("m1", "a")}})
	env.fake.SetMessageDelta("INBOX", "", provider.MessageDelta{NextSyncToken: "T5"})

	_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.Error(t, err, "a plain error is not an expiry")

	env.fake.FailNext("SyncMessages", pkgerrors.Wrap(mailerr.ErrSyncTokenExpired, "history too old"))
	sum, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)
	assert.True(t, sum.FullSync)

	folder, err := env.store.GetFolder(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, "T5", folder.SyncToken)
}

func TestDriver_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	env.setFolderToken(t, "T0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.Error(t, err)
	assert.True(t, mailerr.IsCanceled(err))
	assert.Equal(t, 0, env.fake.SyncCalls())
}

func TestDriver_FetchBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setFolderToken(t, "T0")
	env.fake.SetMessageDelta("INBOX", "T0", provider.MessageDelta{
		Updated:       []mail.Message{msg("m1", "hello")},
		NextSyncToken: "T1",
	})
	_, err := env.driver().SyncFolderMessages(ctx, env.account, env.inbox)
	require.NoError(t, err)

	msgs, err := env.store.ListMessages(ctx, env.inbox.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Body)

	body := "<p>hi</p>"
	env.fake.SetBody(mail.Message{RemoteID: "m1", Body: &body, BodyContentType: "html"})

	m, err := env.driver().FetchBody(ctx, env.account, msgs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, m.Body)
	assert.Equal(t, body, *m.Body)

	// second access is served from the cache
	env.fake.FailNext("GetMessageBody", errors.New("should not be called"))
	m, err = env.driver().FetchBody(ctx, env.account, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, body, *m.Body)
}
