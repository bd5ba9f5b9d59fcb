// Package gmail adapts the Gmail API to the provider contract. Labels are
// folders and the history API drives message deltas.
package gmail

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
)

const (
	me = "me"

	labelInbox   = "INBOX"
	labelSent    = "SENT"
	labelDraft   = "DRAFT"
	labelTrash   = "TRASH"
	labelSpam    = "SPAM"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"

	labelsTokenPrefix = "labels:"
)

var metadataHeaders = []string{"Subject", "From", "To", "Cc", "Date"}

// folderLabels are the system labels exposed as folders
var folderLabels = map[string]mail.FolderType{
	labelInbox: mail.FolderInbox,
	labelSent:  mail.FolderSent,
	labelDraft: mail.FolderDrafts,
	labelTrash: mail.FolderTrash,
	labelSpam:  mail.FolderSpam,
}

// Adapter implements provider.Provider for one Gmail account
type Adapter struct {
	svc *gmail.Service
	log *zap.Logger
}

func New(ctx context.Context, log *zap.Logger, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Adapter{svc: svc, log: log}, nil
}

// Factory builds adapters authenticated through creds
func Factory(creds auth.CredentialSource, log *zap.Logger) provider.Factory {
	return func(ctx context.Context, account mail.Account) (provider.Provider, error) {
		return New(ctx, log.With(zap.String("account_id", account.ID)),
			option.WithTokenSource(auth.TokenSource(creds, account)))
	}
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) labels(ctx context.Context) ([]mail.Folder, error) {
	resp, err := a.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}

	folders := make([]mail.Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		t, ok := folderLabels[l.Id]
		if !ok {
			if l.Type != "user" {
				continue
			}
			t = mail.FolderUserCreated
		}
		folders = append(folders, mail.Folder{
			RemoteID:    l.Id,
			DisplayName: l.Name,
			Type:        t,
			TotalCount:  int(l.MessagesTotal),
			UnreadCount: int(l.MessagesUnread),
		})
	}
	return folders, nil
}

func (a *Adapter) ListFolders(ctx context.Context, account mail.Account) ([]mail.Folder, error) {
	return a.labels(ctx)
}

// SyncFolders diffs the label set against the ids recorded in syncToken.
// Gmail has no label delta, so every call is a single page.
func (a *Adapter) SyncFolders(ctx context.Context, account mail.Account, syncToken string) (*provider.FolderDelta, error) {
	folders, err := a.labels(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(folders))
	current := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		ids = append(ids, f.RemoteID)
		current[f.RemoteID] = struct{}{}
	}
	sort.Strings(ids)

	delta := &provider.FolderDelta{
		Updated:       folders,
		NextSyncToken: labelsTokenPrefix + strings.Join(ids, ","),
	}
	for _, prev := range parseLabelsToken(syncToken) {
		if _, ok := current[prev]; !ok {
			delta.RemovedIDs = append(delta.RemovedIDs, prev)
		}
	}
	return delta, nil
}

func parseLabelsToken(token string) []string {
	rest, ok := strings.CutPrefix(token, labelsTokenPrefix)
	if !ok || rest == "" {
		return nil
	}
	return strings.Split(rest, ",")
}

func (a *Adapter) ListMessages(ctx context.Context, folderID string, pageSize int, pageCursor string) (*provider.MessagePage, error) {
	call := a.svc.Users.Messages.List(me).LabelIds(folderID).Context(ctx)
	if pageSize > 0 {
		call = call.MaxResults(int64(pageSize))
	}
	if pageCursor != "" {
		call = call.PageToken(pageCursor)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, mapErr(err)
	}

	page := &provider.MessagePage{NextPageCursor: resp.NextPageToken}
	for _, ref := range resp.Messages {
		m, err := a.metadata(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, toMessage(m, folderID))
	}
	return page, nil
}

func (a *Adapter) metadata(ctx context.Context, id string) (*gmail.Message, error) {
	m, err := a.svc.Users.Messages.Get(me, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (a *Adapter) GetMessageBody(ctx context.Context, messageID string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get(me, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return parseRaw(m)
}

func (a *Adapter) modify(ctx context.Context, messageID string, add, remove []string) error {
	_, err := a.svc.Users.Messages.Modify(me, messageID, &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return mapErr(err)
}

func (a *Adapter) MarkRead(ctx context.Context, messageID string, isRead bool) error {
	if isRead {
		return a.modify(ctx, messageID, nil, []string{labelUnread})
	}
	return a.modify(ctx, messageID, []string{labelUnread}, nil)
}

func (a *Adapter) Star(ctx context.Context, messageID string, isStarred bool) error {
	if isStarred {
		return a.modify(ctx, messageID, []string{labelStarred}, nil)
	}
	return a.modify(ctx, messageID, nil, []string{labelStarred})
}

func (a *Adapter) Delete(ctx context.Context, messageID string) error {
	_, err := a.svc.Users.Messages.Trash(me, messageID).Context(ctx).Do()
	return mapErr(err)
}

// Move relabels the message: destinationFolderID is added and every other
// folder label is removed. The message id does not change.
func (a *Adapter) Move(ctx context.Context, messageID, destinationFolderID string) error {
	m, err := a.svc.Users.Messages.Get(me, messageID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return mapErr(err)
	}

	var remove []string
	for _, l := range m.LabelIds {
		if l == destinationFolderID || !isFolderLabel(l) {
			continue
		}
		remove = append(remove, l)
	}
	return a.modify(ctx, messageID, []string{destinationFolderID}, remove)
}

func isFolderLabel(id string) bool {
	if _, ok := folderLabels[id]; ok {
		return true
	}
	// user labels are prefixed Label_
	return strings.HasPrefix(id, "Label_")
}

func (a *Adapter) Send(ctx context.Context, draft mail.Draft) (string, error) {
	raw, err := buildRaw(draft)
	if err != nil {
		return "", err
	}
	sent, err := a.svc.Users.Messages.Send(me, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", mapErr(err)
	}
	return sent.Id, nil
}

func (a *Adapter) CreateDraft(ctx context.Context, draft mail.Draft) (*mail.Message, error) {
	raw, err := buildRaw(draft)
	if err != nil {
		return nil, err
	}
	d, err := a.svc.Users.Drafts.Create(me, &gmail.Draft{Message: &gmail.Message{Raw: raw}}).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return draftMessage(d, draft), nil
}

// UpdateDraft replaces the draft holding messageID. Gmail assigns the new
// revision a fresh message id, returned as RemoteID.
func (a *Adapter) UpdateDraft(ctx context.Context, messageID string, draft mail.Draft) (*mail.Message, error) {
	draftID, err := a.findDraft(ctx, messageID)
	if err != nil {
		return nil, err
	}
	raw, err := buildRaw(draft)
	if err != nil {
		return nil, err
	}
	d, err := a.svc.Users.Drafts.Update(me, draftID, &gmail.Draft{
		Id:      draftID,
		Message: &gmail.Message{Raw: raw},
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return draftMessage(d, draft), nil
}

func (a *Adapter) findDraft(ctx context.Context, messageID string) (string, error) {
	pageToken := ""
	for {
		call := a.svc.Users.Drafts.List(me).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return "", mapErr(err)
		}
		for _, d := range resp.Drafts {
			if d.Message != nil && d.Message.Id == messageID {
				return d.Id, nil
			}
		}
		if resp.NextPageToken == "" {
			return "", errDraftNotFound(messageID)
		}
		pageToken = resp.NextPageToken
	}
}

func draftMessage(d *gmail.Draft, draft mail.Draft) *mail.Message {
	m := &mail.Message{
		Subject: draft.Subject,
		From:    draft.From,
		To:      draft.To,
		Cc:      draft.Cc,
		IsDraft: true,
		Snippet: snippet(draft.Body),
	}
	if d.Message != nil {
		m.RemoteID = d.Message.Id
		m.ThreadID = d.Message.ThreadId
	}
	return m
}
