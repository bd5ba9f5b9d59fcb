package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Summary describes what one driver run reconciled
type Summary struct {
	FullSync bool `json:"full_sync"`
	Pages    int  `json:"pages"`
	Upserted int  `json:"upserted"`
	Deleted  int  `json:"deleted"`
	Skipped  int  `json:"skipped"`
}

// Driver runs the paged delta protocol for folder lists and folder messages
type Driver struct {
	store       *store.Store
	providers   *provider.Registry
	log         *zap.Logger
	pageSize    int
	callTimeout time.Duration
}

func NewDriver(st *store.Store, providers *provider.Registry, log *zap.Logger, pageSize int, callTimeout time.Duration) *Driver {
	if pageSize <= 0 {
		pageSize = 50
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Driver{
		store:       st,
		providers:   providers,
		log:         log.Named("driver"),
		pageSize:    pageSize,
		callTimeout: callTimeout,
	}
}

// checkpoint fails fast once the job is canceled
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.Wrap(mailerr.ErrCanceled, ctx.Err().Error())
	}
	return nil
}

// remote bounds one provider call and separates job cancellation from a call
// timeout: the first is ErrCanceled, the second stays a transient error.
func remote[T any](ctx context.Context, timeout time.Duration, what string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := checkpoint(ctx); err != nil {
		return zero, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(cctx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, errors.Wrap(mailerr.ErrCanceled, what)
		}
		return zero, errors.Wrap(err, what)
	}
	return v, nil
}

func (d *Driver) adapter(ctx context.Context, account mail.Account) (provider.Provider, error) {
	p, err := d.providers.Adapter(ctx, account)
	if err != nil {
		return nil, errors.Wrapf(err, "adapter for account %s", account.ID)
	}
	return p, nil
}

// SyncFolderList brings the account's folder set up to date
func (d *Driver) SyncFolderList(ctx context.Context, account mail.Account) (Summary, error) {
	log := d.log.With(zap.String("account_id", account.ID))

	acc, err := d.store.GetAccount(ctx, account.ID)
	if err != nil {
		return Summary{}, err
	}
	p, err := d.adapter(ctx, *acc)
	if err != nil {
		return Summary{}, err
	}

	if acc.SyncToken == "" {
		return d.fullFolderSync(ctx, log, p, *acc)
	}

	var (
		sum       Summary
		token     = acc.SyncToken
		resumable string
	)
	for {
		delta, err := remote(ctx, d.callTimeout, "sync folders", func(cctx context.Context) (*provider.FolderDelta, error) {
			return p.SyncFolders(cctx, *acc, token)
		})
		if errors.Is(err, mailerr.ErrSyncTokenExpired) {
			log.Info("Folder sync token expired, running full sync")
			return d.fullFolderSync(ctx, log, p, *acc)
		}
		if err != nil {
			return sum, err
		}

		valid := make([]mail.Folder, 0, len(delta.Updated))
		for _, f := range delta.Updated {
			if f.RemoteID == "" {
				log.Warn("Skipping folder without remote id", zap.String("name", f.DisplayName))
				sum.Skipped++
				continue
			}
			valid = append(valid, f)
		}

		if err := checkpoint(ctx); err != nil {
			return sum, err
		}
		err = d.store.InTx(ctx, func(tx *sql.Tx) error {
			if err := d.store.DeleteFoldersByRemoteIDTx(ctx, tx, acc.ID, delta.RemovedIDs); err != nil {
				return err
			}
			return d.store.UpsertFoldersTx(ctx, tx, acc.ID, valid)
		})
		if err != nil {
			return sum, errors.Wrap(err, "apply folder page")
		}

		sum.Pages++
		sum.Upserted += len(valid)
		sum.Deleted += len(delta.RemovedIDs)
		metrics.RecordPage(acc.Provider.String(), "folders", len(valid), len(delta.RemovedIDs), sum.Skipped)

		if delta.NextSyncToken != "" {
			resumable = delta.NextSyncToken
		}
		if delta.NextPageLink == "" {
			break
		}
		token = delta.NextPageLink
	}

	if resumable == "" {
		resumable = acc.SyncToken
	}
	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	if err := d.store.SaveFolderListToken(ctx, acc.ID, resumable); err != nil {
		return sum, err
	}

	log.Debug("Folder delta applied", zap.Int("pages", sum.Pages), zap.Int("upserted", sum.Upserted), zap.Int("deleted", sum.Deleted))
	return sum, nil
}

func (d *Driver) fullFolderSync(ctx context.Context, log *zap.Logger, p provider.Provider, acc mail.Account) (Summary, error) {
	sum := Summary{FullSync: true}

	folders, err := remote(ctx, d.callTimeout, "list folders", func(cctx context.Context) ([]mail.Folder, error) {
		return p.ListFolders(cctx, acc)
	})
	if err != nil {
		return sum, err
	}

	valid := make([]mail.Folder, 0, len(folders))
	for _, f := range folders {
		if f.RemoteID == "" {
			sum.Skipped++
			continue
		}
		valid = append(valid, f)
	}

	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	err = d.store.InTx(ctx, func(tx *sql.Tx) error {
		return d.store.ReplaceFoldersTx(ctx, tx, acc.ID, valid)
	})
	if err != nil {
		return sum, errors.Wrap(err, "replace folders")
	}
	sum.Pages = 1
	sum.Upserted = len(valid)

	// The listing is the snapshot; delta pages here only lead to the first token.
	token := ""
	for {
		delta, err := remote(ctx, d.callTimeout, "initial folder token", func(cctx context.Context) (*provider.FolderDelta, error) {
			return p.SyncFolders(cctx, acc, token)
		})
		if err != nil {
			return sum, err
		}
		if delta.NextSyncToken != "" {
			token = delta.NextSyncToken
			break
		}
		if delta.NextPageLink == "" {
			token = ""
			break
		}
		token = delta.NextPageLink
	}

	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	if err := d.store.SaveFolderListToken(ctx, acc.ID, token); err != nil {
		return sum, err
	}

	log.Info("Full folder sync complete", zap.Int("folders", len(valid)))
	return sum, nil
}

// SyncFolderMessages brings one folder's messages up to date
func (d *Driver) SyncFolderMessages(ctx context.Context, account mail.Account, folder mail.Folder) (Summary, error) {
	log := d.log.With(zap.String("account_id", account.ID), zap.String("folder_id", folder.ID))

	f, err := d.store.GetFolder(ctx, folder.ID)
	if err != nil {
		return Summary{}, err
	}
	p, err := d.adapter(ctx, account)
	if err != nil {
		return Summary{}, err
	}

	if f.SyncToken == "" {
		return d.fullMessageSync(ctx, log, p, account, *f)
	}

	var (
		sum       Summary
		token     = f.SyncToken
		resumable string
	)
	for {
		delta, err := remote(ctx, d.callTimeout, "sync messages", func(cctx context.Context) (*provider.MessageDelta, error) {
			return p.SyncMessages(cctx, f.RemoteID, token, d.pageSize)
		})
		if errors.Is(err, mailerr.ErrSyncTokenExpired) {
			log.Info("Message sync token expired, running full sync")
			return d.fullMessageSync(ctx, log, p, account, *f)
		}
		if err != nil {
			return sum, err
		}

		valid, skipped := validMessages(log, delta.Updated)
		sum.Skipped += skipped

		if err := checkpoint(ctx); err != nil {
			return sum, err
		}
		var upserted, deleted int
		err = d.store.InTx(ctx, func(tx *sql.Tx) error {
			var err error
			if deleted, err = d.store.DeleteMessagesByRemoteIDTx(ctx, tx, f.ID, delta.RemovedIDs); err != nil {
				return err
			}
			upserted, err = d.store.UpsertMessagesTx(ctx, tx, account.ID, f.ID, valid)
			return err
		})
		if err != nil {
			return sum, errors.Wrap(err, "apply message page")
		}

		sum.Pages++
		sum.Upserted += upserted
		sum.Deleted += deleted
		metrics.RecordPage(account.Provider.String(), "messages", upserted, deleted, skipped)

		if delta.NextSyncToken != "" {
			resumable = delta.NextSyncToken
		}
		if delta.NextPageLink == "" {
			break
		}
		token = delta.NextPageLink
	}

	if resumable == "" {
		resumable = f.SyncToken
	}
	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	if err := d.store.SaveFolderSyncToken(ctx, f.ID, resumable); err != nil {
		return sum, err
	}

	log.Debug("Message delta applied", zap.Int("pages", sum.Pages), zap.Int("upserted", sum.Upserted), zap.Int("deleted", sum.Deleted))
	return sum, nil
}

func (d *Driver) fullMessageSync(ctx context.Context, log *zap.Logger, p provider.Provider, account mail.Account, f mail.Folder) (Summary, error) {
	sum := Summary{FullSync: true}

	page, err := remote(ctx, d.callTimeout, "list messages", func(cctx context.Context) (*provider.MessagePage, error) {
		return p.ListMessages(cctx, f.RemoteID, d.pageSize, "")
	})
	if err != nil {
		return sum, err
	}

	valid, skipped := validMessages(log, page.Messages)
	sum.Skipped = skipped

	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	err = d.store.InTx(ctx, func(tx *sql.Tx) error {
		n, err := d.store.ReplaceFolderMessagesTx(ctx, tx, account.ID, f.ID, valid)
		if err != nil {
			return err
		}
		sum.Upserted = n
		return d.store.SaveFolderCursorTx(ctx, tx, f.ID, page.NextPageCursor)
	})
	if err != nil {
		return sum, errors.Wrap(err, "replace folder messages")
	}
	sum.Pages = 1

	token := ""
	for {
		delta, err := remote(ctx, d.callTimeout, "initial message token", func(cctx context.Context) (*provider.MessageDelta, error) {
			return p.SyncMessages(cctx, f.RemoteID, token, d.pageSize)
		})
		if err != nil {
			return sum, err
		}
		if delta.NextSyncToken != "" {
			token = delta.NextSyncToken
			break
		}
		if delta.NextPageLink == "" {
			token = ""
			break
		}
		token = delta.NextPageLink
	}

	if err := checkpoint(ctx); err != nil {
		return sum, err
	}
	if err := d.store.SaveFolderSyncToken(ctx, f.ID, token); err != nil {
		return sum, err
	}

	log.Info("Full message sync complete", zap.Int("messages", sum.Upserted), zap.Bool("more", page.NextPageCursor != ""))
	return sum, nil
}

// FetchBody returns the message with its body, fetching it from the
// provider on first access.
func (d *Driver) FetchBody(ctx context.Context, account mail.Account, messageID string) (*mail.Message, error) {
	m, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Body != nil || m.RemoteID == "" {
		return m, nil
	}

	p, err := d.adapter(ctx, account)
	if err != nil {
		return nil, err
	}
	full, err := remote(ctx, d.callTimeout, "get message body", func(cctx context.Context) (*mail.Message, error) {
		return p.GetMessageBody(cctx, m.RemoteID)
	})
	if err != nil {
		return nil, err
	}

	content := ""
	if full.Body != nil {
		content = *full.Body
	}
	if err := d.store.SaveMessageBody(ctx, m.ID, content, full.BodyContentType, full.Attachments); err != nil {
		return nil, err
	}
	return d.store.GetMessage(ctx, messageID)
}

func validMessages(log *zap.Logger, msgs []mail.Message) ([]mail.Message, int) {
	valid := make([]mail.Message, 0, len(msgs))
	skipped := 0
	for _, m := range msgs {
		if m.RemoteID == "" {
			log.Warn("Skipping message without remote id", zap.String("subject", m.Subject))
			skipped++
			continue
		}
		valid = append(valid, m)
	}
	return valid, skipped
}
