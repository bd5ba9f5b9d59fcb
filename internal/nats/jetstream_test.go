package natsjs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/state"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "mailsync.fetch.acc-1", Subject("mailsync", "fetch", "acc-1"))
	assert.Equal(t, "mailsync.fetch.acc-1.fold-2", Subject("mailsync", "fetch", "acc-1/fold-2"))
	assert.Equal(t, "mailsync.upload.a_b_c", Subject("mailsync", "upload", "a b*c"))
}

func TestMsgIDDistinguishesDeletes(t *testing.T) {
	at := time.Unix(100, 0)
	set := Event{Kind: "fetch", Key: "k", At: at}
	del := Event{Kind: "fetch", Key: "k", At: at, Deleted: true}
	assert.NotEqual(t, MsgID(set), MsgID(del))
	assert.Equal(t, MsgID(set), MsgID(Event{Kind: "fetch", Key: "k", At: at}))
}

func TestWatchForwardsHubChanges(t *testing.T) {
	hub := state.NewHub[string, int]()
	sink := &recordingSink{}
	Watch(sink, hub, "upload", func(k string) string { return k })

	hub.Set("acc", 3)
	hub.Delete("acc")

	require.Len(t, sink.events, 2)
	assert.Equal(t, "upload", sink.events[0].Kind)
	assert.Equal(t, "acc", sink.events[0].Key)
	assert.Equal(t, 3, sink.events[0].State)
	assert.True(t, sink.events[1].Deleted)
	assert.Nil(t, sink.events[1].State)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := &Publisher{events: make(chan Event, 1), log: zap.NewNop()}
	assert.True(t, p.Enqueue(Event{Key: "a"}))
	assert.False(t, p.Enqueue(Event{Key: "b"}))
}
