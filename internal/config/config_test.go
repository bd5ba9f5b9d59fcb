package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/mail"
)

func TestInitConfig_Defaults(t *testing.T) {
	cfg, err := InitConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 8, cfg.Upload.MaxAttempts)
	assert.Equal(t, int64(4), cfg.Upload.AccountConcurrency)
	assert.Equal(t, []mail.FolderType{mail.FolderInbox, mail.FolderSent, mail.FolderDrafts}, cfg.Sync.AutoSyncFolderTypes())
}

func TestInitConfig_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite3")
	t.Setenv("SYNC_AUTO_FOLDERS", "Inbox, archive,bogus")
	t.Setenv("UPLOAD_BACKOFF_MIN", "50ms")

	cfg, err := InitConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Upload.BackoffMin)
	assert.Equal(t, []mail.FolderType{mail.FolderInbox, mail.FolderArchive}, cfg.Sync.AutoSyncFolderTypes())
}
