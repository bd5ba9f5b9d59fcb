package outlook

import (
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/provider"
)

type additionalDataHolder interface {
	GetAdditionalData() map[string]any
}

// removed reports a delta tombstone
func removed(item additionalDataHolder) bool {
	_, ok := item.GetAdditionalData()["@removed"]
	return ok
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func toFolder(f models.MailFolderable, known map[string]mail.FolderType) mail.Folder {
	id := deref(f.GetId())
	t, ok := known[id]
	if !ok {
		t = mail.FolderUserCreated
	}
	return mail.Folder{
		RemoteID:    id,
		DisplayName: deref(f.GetDisplayName()),
		Type:        t,
		TotalCount:  int(deref(f.GetTotalItemCount())),
		UnreadCount: int(deref(f.GetUnreadItemCount())),
	}
}

func folderDelta(items []models.MailFolderable, known map[string]mail.FolderType, next, deltaLink *string) *provider.FolderDelta {
	d := &provider.FolderDelta{
		NextPageLink:  deref(next),
		NextSyncToken: deref(deltaLink),
	}
	for _, f := range items {
		if removed(f) {
			if id := deref(f.GetId()); id != "" {
				d.RemovedIDs = append(d.RemovedIDs, id)
			}
			continue
		}
		d.Updated = append(d.Updated, toFolder(f, known))
	}
	return d
}

func messageDelta(items []models.Messageable, folderID string, next, deltaLink *string) *provider.MessageDelta {
	d := &provider.MessageDelta{
		NextPageLink:  deref(next),
		NextSyncToken: deref(deltaLink),
	}
	for _, m := range items {
		if removed(m) {
			if id := deref(m.GetId()); id != "" {
				d.RemovedIDs = append(d.RemovedIDs, id)
			}
			continue
		}
		d.Updated = append(d.Updated, toMessage(m, folderID))
	}
	return d
}

func toAddress(r models.Recipientable) mail.Address {
	if r == nil || r.GetEmailAddress() == nil {
		return mail.Address{}
	}
	ea := r.GetEmailAddress()
	return mail.Address{Name: deref(ea.GetName()), Address: deref(ea.GetAddress())}
}

func toAddresses(rs []models.Recipientable) []mail.Address {
	if len(rs) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(rs))
	for _, r := range rs {
		out = append(out, toAddress(r))
	}
	return out
}

func toMessage(m models.Messageable, folderID string) mail.Message {
	if folderID == "" {
		folderID = deref(m.GetParentFolderId())
	}
	msg := mail.Message{
		RemoteID:       deref(m.GetId()),
		ThreadID:       deref(m.GetConversationId()),
		FolderRemoteID: folderID,
		Subject:        deref(m.GetSubject()),
		From:           toAddress(m.GetFrom()),
		To:             toAddresses(m.GetToRecipients()),
		Cc:             toAddresses(m.GetCcRecipients()),
		Snippet:        deref(m.GetBodyPreview()),
		IsRead:         deref(m.GetIsRead()),
		IsDraft:        deref(m.GetIsDraft()),
		HasAttachments: deref(m.GetHasAttachments()),
	}
	if t := m.GetReceivedDateTime(); t != nil {
		msg.ReceivedAt = t.UTC()
	}
	if t := m.GetSentDateTime(); t != nil {
		msg.SentAt = t.UTC()
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil {
			msg.IsStarred = *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	return msg
}

func toAttachment(a models.Attachmentable) mail.Attachment {
	return mail.Attachment{
		RemoteID:    deref(a.GetId()),
		FileName:    deref(a.GetName()),
		ContentType: deref(a.GetContentType()),
		Size:        int64(deref(a.GetSize())),
		IsInline:    deref(a.GetIsInline()),
	}
}

func toRecipients(addrs []mail.Address) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		name, address := a.Name, a.Address
		ea := models.NewEmailAddress()
		ea.SetAddress(&address)
		if name != "" {
			ea.SetName(&name)
		}
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

func toGraphMessage(d mail.Draft) models.Messageable {
	m := models.NewMessage()
	subject, content := d.Subject, d.Body
	m.SetSubject(&subject)

	contentType := models.TEXT_BODYTYPE
	if strings.EqualFold(d.ContentType, "html") {
		contentType = models.HTML_BODYTYPE
	}
	body := models.NewItemBody()
	body.SetContentType(&contentType)
	body.SetContent(&content)
	m.SetBody(body)

	m.SetToRecipients(toRecipients(d.To))
	if len(d.Cc) > 0 {
		m.SetCcRecipients(toRecipients(d.Cc))
	}
	if d.From.Address != "" {
		from := toRecipients([]mail.Address{d.From})[0]
		m.SetFrom(from)
	}
	return m
}
