package gmail

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/mailerr"
	"github.com/Martian-dev/mailsync/internal/provider"
)

// SyncMessages replays the history of folderID since the history id in
// syncToken. An empty token returns the mailbox's current history id so the
// caller can start following changes after a full listing. Page links carry
// "<historyId>:<pageToken>".
func (a *Adapter) SyncMessages(ctx context.Context, folderID, syncToken string, pageSizeHint int) (*provider.MessageDelta, error) {
	if syncToken == "" {
		profile, err := a.svc.Users.GetProfile(me).Context(ctx).Do()
		if err != nil {
			return nil, mapErr(err)
		}
		return &provider.MessageDelta{NextSyncToken: strconv.FormatUint(profile.HistoryId, 10)}, nil
	}

	startID, pageToken, err := parseHistoryToken(syncToken)
	if err != nil {
		return nil, err
	}

	call := a.svc.Users.History.List(me).StartHistoryId(startID).LabelId(folderID).Context(ctx)
	if pageSizeHint > 0 {
		call = call.MaxResults(int64(pageSizeHint))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		err = mapErr(err)
		if isNotFound(err) {
			return nil, errors.Wrapf(mailerr.ErrSyncTokenExpired, "history %d", startID)
		}
		return nil, err
	}

	changes := newChangeSet()
	for _, h := range resp.History {
		changes.apply(h, folderID)
	}

	delta := &provider.MessageDelta{}
	for _, id := range changes.order {
		if changes.removed[id] {
			delta.RemovedIDs = append(delta.RemovedIDs, id)
			continue
		}
		m, err := a.metadata(ctx, id)
		if isNotFound(err) {
			// gone between the history record and now
			delta.RemovedIDs = append(delta.RemovedIDs, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !hasLabel(m.LabelIds, folderID) {
			delta.RemovedIDs = append(delta.RemovedIDs, id)
			continue
		}
		delta.Updated = append(delta.Updated, toMessage(m, folderID))
	}

	if resp.NextPageToken != "" {
		delta.NextPageLink = strconv.FormatUint(startID, 10) + ":" + resp.NextPageToken
	} else {
		next := resp.HistoryId
		if next == 0 {
			next = startID
		}
		delta.NextSyncToken = strconv.FormatUint(next, 10)
	}

	a.log.Debug("History page",
		zap.String("folder", folderID),
		zap.Int("updated", len(delta.Updated)),
		zap.Int("removed", len(delta.RemovedIDs)))
	return delta, nil
}

func parseHistoryToken(token string) (uint64, string, error) {
	idPart, pageToken, _ := strings.Cut(token, ":")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(mailerr.ErrSyncTokenExpired, "unreadable history token %q", token)
	}
	return id, pageToken, nil
}

// changeSet folds history records into the final state per message, keeping
// first-seen order. Later records win.
type changeSet struct {
	order   []string
	removed map[string]bool
}

func newChangeSet() *changeSet {
	return &changeSet{removed: make(map[string]bool)}
}

func (c *changeSet) touch(m *gmail.Message, removed bool) {
	if m == nil || m.Id == "" {
		return
	}
	if _, seen := c.removed[m.Id]; !seen {
		c.order = append(c.order, m.Id)
	}
	c.removed[m.Id] = removed
}

func (c *changeSet) apply(h *gmail.History, folderID string) {
	for _, added := range h.MessagesAdded {
		c.touch(added.Message, false)
	}
	for _, deleted := range h.MessagesDeleted {
		c.touch(deleted.Message, true)
	}
	for _, la := range h.LabelsAdded {
		c.touch(la.Message, false)
	}
	for _, lr := range h.LabelsRemoved {
		c.touch(lr.Message, hasLabel(lr.LabelIds, folderID))
	}
}

func hasLabel(labels []string, id string) bool {
	for _, l := range labels {
		if l == id {
			return true
		}
	}
	return false
}
