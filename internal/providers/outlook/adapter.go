// Package outlook adapts Microsoft Graph to the provider contract. Folder and
// message deltas use Graph delta queries; page and delta links are returned
// verbatim as page links and sync tokens.
package outlook

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
)

var messageFields = []string{
	"id", "conversationId", "parentFolderId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime", "sentDateTime", "isRead", "isDraft", "flag", "hasAttachments",
}

// wellKnownFolders maps Graph well-known folder names to folder roles
var wellKnownFolders = map[string]mail.FolderType{
	"inbox":        mail.FolderInbox,
	"sentitems":    mail.FolderSent,
	"drafts":       mail.FolderDrafts,
	"deleteditems": mail.FolderTrash,
	"junkemail":    mail.FolderSpam,
	"archive":      mail.FolderArchive,
}

// Adapter implements provider.Provider for one Microsoft account
type Adapter struct {
	client   *msgraphsdk.GraphServiceClient
	username string
	log      *zap.Logger

	mu    sync.Mutex
	known map[string]mail.FolderType // remote folder id to role
}

func New(cred azcore.TokenCredential, username string, log *zap.Logger) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return &Adapter{client: client, username: username, log: log}, nil
}

// Factory builds adapters authenticated through creds
func Factory(creds auth.CredentialSource, log *zap.Logger) provider.Factory {
	return func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		cred := &tokenCredential{src: auth.TokenSource(creds, account)}
		return New(cred, account.Username, log.With(zap.String("account_id", account.ID)))
	}
}

var (
	_ provider.Provider = (*Adapter)(nil)
	_ provider.Rekeyer  = (*Adapter)(nil)
)

func (a *Adapter) user() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.username)
}

func pageSizeHeader(n int) *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	if n > 0 {
		h.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", n))
	}
	return h
}

// knownFolders resolves the well-known folder ids once per adapter
func (a *Adapter) knownFolders(ctx context.Context) (map[string]mail.FolderType, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.known != nil {
		return a.known, nil
	}

	known := make(map[string]mail.FolderType, len(wellKnownFolders))
	for name, t := range wellKnownFolders {
		f, err := a.user().MailFolders().ByMailFolderId(name).Get(ctx, nil)
		if err != nil {
			err = mapErr(err)
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if id := f.GetId(); id != nil {
			known[*id] = t
		}
	}
	a.known = known
	return known, nil
}

func (a *Adapter) ListFolders(ctx context.Context, account mail.Account) ([]mail.Folder, error) {
	known, err := a.knownFolders(ctx)
	if err != nil {
		return nil, err
	}

	top := int32(100)
	resp, err := a.user().MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: &top},
	})
	if err != nil {
		return nil, mapErr(err)
	}

	var folders []mail.Folder
	for {
		for _, f := range resp.GetValue() {
			folders = append(folders, toFolder(f, known))
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return folders, nil
		}
		if resp, err = a.user().MailFolders().WithUrl(*next).Get(ctx, nil); err != nil {
			return nil, mapErr(err)
		}
	}
}

func (a *Adapter) SyncFolders(ctx context.Context, account mail.Account, syncToken string) (*provider.FolderDelta, error) {
	known, err := a.knownFolders(ctx)
	if err != nil {
		return nil, err
	}

	builder := a.user().MailFolders().Delta()
	if syncToken != "" {
		builder = builder.WithUrl(syncToken)
	}
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return folderDelta(resp.GetValue(), known, resp.GetOdataNextLink(), resp.GetOdataDeltaLink()), nil
}

func (a *Adapter) ListMessages(ctx context.Context, folderID string, pageSize int, pageCursor string) (*provider.MessagePage, error) {
	messages := a.user().MailFolders().ByMailFolderId(folderID).Messages()

	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if pageCursor != "" {
		resp, err = messages.WithUrl(pageCursor).Get(ctx, nil)
	} else {
		top := int32(pageSize)
		resp, err = messages.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  messageFields,
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	}
	if err != nil {
		return nil, mapErr(err)
	}

	page := &provider.MessagePage{NextPageCursor: deref(resp.GetOdataNextLink())}
	for _, m := range resp.GetValue() {
		page.Messages = append(page.Messages, toMessage(m, folderID))
	}
	return page, nil
}

func (a *Adapter) SyncMessages(ctx context.Context, folderID, syncToken string, pageSizeHint int) (*provider.MessageDelta, error) {
	builder := a.user().MailFolders().ByMailFolderId(folderID).Messages().Delta()
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		Headers: pageSizeHeader(pageSizeHint),
	}
	if syncToken != "" {
		builder = builder.WithUrl(syncToken)
	} else {
		cfg.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: messageFields,
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return nil, mapErr(err)
	}
	delta := messageDelta(resp.GetValue(), folderID, resp.GetOdataNextLink(), resp.GetOdataDeltaLink())
	a.log.Debug("Delta page",
		zap.String("folder", folderID),
		zap.Int("updated", len(delta.Updated)),
		zap.Int("removed", len(delta.RemovedIDs)))
	return delta, nil
}

func (a *Adapter) GetMessageBody(ctx context.Context, messageID string) (*mail.Message, error) {
	item := a.user().Messages().ByMessageId(messageID)
	m, err := item.Get(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}

	msg := toMessage(m, "")
	body, contentType := "", "text"
	if b := m.GetBody(); b != nil {
		body = deref(b.GetContent())
		if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			contentType = "html"
		}
	}
	msg.Body = &body
	msg.BodyContentType = contentType

	if msg.HasAttachments {
		resp, err := item.Attachments().Get(ctx, nil)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, att := range resp.GetValue() {
			msg.Attachments = append(msg.Attachments, toAttachment(att))
		}
	}
	return &msg, nil
}

func (a *Adapter) patch(ctx context.Context, messageID string, m models.Messageable) (models.Messageable, error) {
	updated, err := a.user().Messages().ByMessageId(messageID).Patch(ctx, m, nil)
	return updated, mapErr(err)
}

func (a *Adapter) MarkRead(ctx context.Context, messageID string, isRead bool) error {
	m := models.NewMessage()
	m.SetIsRead(&isRead)
	_, err := a.patch(ctx, messageID, m)
	return err
}

func (a *Adapter) Star(ctx context.Context, messageID string, isStarred bool) error {
	status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
	if isStarred {
		status = models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(&status)

	m := models.NewMessage()
	m.SetFlag(flag)
	_, err := a.patch(ctx, messageID, m)
	return err
}

func (a *Adapter) Delete(ctx context.Context, messageID string) error {
	return mapErr(a.user().Messages().ByMessageId(messageID).Delete(ctx, nil))
}

func (a *Adapter) Move(ctx context.Context, messageID, destinationFolderID string) error {
	_, err := a.MoveRekeyed(ctx, messageID, destinationFolderID)
	return err
}

// MoveRekeyed moves the message and returns the id Graph assigned to the
// moved copy
func (a *Adapter) MoveRekeyed(ctx context.Context, messageID, destinationFolderID string) (string, error) {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destinationFolderID)

	moved, err := a.user().Messages().ByMessageId(messageID).Move().Post(ctx, body, nil)
	if err != nil {
		return "", mapErr(err)
	}
	if moved == nil {
		return "", nil
	}
	return deref(moved.GetId()), nil
}

// Send delivers draft and saves it to Sent Items. Graph does not report the
// sent copy's id, so the returned id is empty.
func (a *Adapter) Send(ctx context.Context, draft mail.Draft) (string, error) {
	if draft.RemoteID != "" {
		if _, err := a.patch(ctx, draft.RemoteID, toGraphMessage(draft)); err != nil {
			return "", err
		}
		return "", mapErr(a.user().Messages().ByMessageId(draft.RemoteID).Send().Post(ctx, nil))
	}

	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(toGraphMessage(draft))
	save := true
	body.SetSaveToSentItems(&save)
	return "", mapErr(a.user().SendMail().Post(ctx, body, nil))
}

func (a *Adapter) CreateDraft(ctx context.Context, draft mail.Draft) (*mail.Message, error) {
	created, err := a.user().Messages().Post(ctx, toGraphMessage(draft), nil)
	if err != nil {
		return nil, mapErr(err)
	}
	m := toMessage(created, "")
	m.IsDraft = true
	return &m, nil
}

func (a *Adapter) UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.Message, error) {
	updated, err := a.patch(ctx, messageID, toGraphMessage(draft))
	if err != nil {
		return nil, err
	}
	m := mail.Message{RemoteID: messageID}
	if updated != nil {
		m = toMessage(updated, "")
	}
	if m.RemoteID == "" {
		m.RemoteID = messageID
	}
	m.IsDraft = true
	return &m, nil
}
