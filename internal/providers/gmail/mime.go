package gmail

import (
	"bytes"
	"encoding/base64"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/mail"
)

const snippetLimit = 160

func toMessage(m *gmail.Message, folderID string) mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	msg := mail.Message{
		RemoteID:       m.Id,
		ThreadID:       m.ThreadId,
		FolderRemoteID: folderID,
		Subject:        headers["subject"],
		From:           parseAddress(headers["from"]),
		To:             parseAddressList(headers["to"]),
		Cc:             parseAddressList(headers["cc"]),
		Snippet:        m.Snippet,
		ReceivedAt:     time.UnixMilli(m.InternalDate).UTC(),
		IsRead:         !hasLabel(m.LabelIds, labelUnread),
		IsStarred:      hasLabel(m.LabelIds, labelStarred),
		IsDraft:        hasLabel(m.LabelIds, labelDraft),
	}
	if sent, err := netmail.ParseDate(headers["date"]); err == nil {
		msg.SentAt = sent.UTC()
	}
	return msg
}

func parseAddress(s string) mail.Address {
	if s == "" {
		return mail.Address{}
	}
	a, err := netmail.ParseAddress(s)
	if err != nil {
		return mail.Address{Address: strings.TrimSpace(s)}
	}
	return mail.Address{Name: a.Name, Address: a.Address}
}

func parseAddressList(s string) []mail.Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := netmail.ParseAddressList(s)
	if err != nil {
		var out []mail.Address
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, mail.Address{Address: part})
			}
		}
		return out
	}
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func decodeRaw(raw string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(raw)
}

// parseRaw reads a Format("raw") message into a message with body and
// attachment metadata
func parseRaw(m *gmail.Message) (*mail.Message, error) {
	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode raw message")
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parse MIME")
	}

	msg := toMessage(m, "")
	msg.Subject = env.GetHeader("Subject")
	msg.From = parseAddress(env.GetHeader("From"))
	msg.To = parseAddressList(env.GetHeader("To"))
	msg.Cc = parseAddressList(env.GetHeader("Cc"))

	body, contentType := env.Text, "text"
	if env.HTML != "" {
		body, contentType = env.HTML, "html"
	}
	msg.Body = &body
	msg.BodyContentType = contentType

	for _, p := range env.Attachments {
		msg.Attachments = append(msg.Attachments, mail.Attachment{
			FileName:    p.FileName,
			ContentType: p.ContentType,
			Size:        int64(len(p.Content)),
		})
	}
	for _, p := range env.Inlines {
		msg.Attachments = append(msg.Attachments, mail.Attachment{
			RemoteID:    p.ContentID,
			FileName:    p.FileName,
			ContentType: p.ContentType,
			Size:        int64(len(p.Content)),
			IsInline:    true,
		})
	}
	msg.HasAttachments = len(env.Attachments) > 0
	return &msg, nil
}

func toNetAddrs(addrs []mail.Address) []netmail.Address {
	out := make([]netmail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netmail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// buildRaw encodes draft as base64url RFC 5322 for the Raw field
func buildRaw(draft mail.Draft) (string, error) {
	b := enmime.Builder().
		From(draft.From.Name, draft.From.Address).
		Subject(draft.Subject).
		ToAddrs(toNetAddrs(draft.To))
	if len(draft.Cc) > 0 {
		b = b.CCAddrs(toNetAddrs(draft.Cc))
	}
	if strings.EqualFold(draft.ContentType, "html") {
		b = b.HTML([]byte(draft.Body))
	} else {
		b = b.Text([]byte(draft.Body))
	}

	part, err := b.Build()
	if err != nil {
		return "", errors.Wrap(err, "build MIME")
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return "", errors.Wrap(err, "encode MIME")
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if r := []rune(body); len(r) > snippetLimit {
		return string(r[:snippetLimit])
	}
	return body
}
