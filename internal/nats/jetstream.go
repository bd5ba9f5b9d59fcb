// Package natsjs publishes sync, upload and listing state changes to NATS
// JetStream so other processes can follow them.
package natsjs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/state"
)

const (
	streamName = "MAILSYNC_STATE"
	queueSize  = 1024
)

// Event is the payload published for each state change
type Event struct {
	Kind    string    `json:"kind"`
	Key     string    `json:"key"`
	Deleted bool      `json:"deleted,omitempty"`
	State   any       `json:"state,omitempty"`
	At      time.Time `json:"at"`
}

// Sink accepts events without blocking the writer
type Sink interface {
	Enqueue(e Event) bool
}

// Publisher wraps NATS JetStream for publishing state events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *zap.Logger
	events chan Event
	done   chan struct{}
}

func NewPublisher(url, prefix string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		prefix: prefix,
		log:    log.Named("nats"),
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}, nil
}

// EnsureStream creates the state stream if it does not exist
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(streamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
		// only the latest state per key matters
		MaxMsgsPerSubject: 1,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a message with JetStream deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Enqueue queues e for publishing. It drops the event when the queue is full.
func (p *Publisher) Enqueue(e Event) bool {
	select {
	case p.events <- e:
		return true
	default:
		p.log.Warn("Dropping state event", zap.String("kind", e.Kind), zap.String("key", e.Key))
		return false
	}
}

// Run publishes queued events until ctx is done
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.events:
			payload, err := json.Marshal(e)
			if err != nil {
				p.log.Error("Failed to encode state event", zap.Error(err))
				continue
			}
			if err := p.Publish(Subject(p.prefix, e.Kind, e.Key), payload, MsgID(e)); err != nil {
				p.log.Warn("Failed to publish state event", zap.String("key", e.Key), zap.Error(err))
			}
		}
	}
}

// Close waits for Run to return and closes the connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	p.nc.Close()
}

// Subject builds "<prefix>.<kind>.<key tokens>". Key separators become
// subject token separators.
func Subject(prefix, kind, key string) string {
	key = strings.Map(func(r rune) rune {
		switch r {
		case '/':
			return '.'
		case ' ', '*', '>', '.':
			return '_'
		}
		return r
	}, key)
	return prefix + "." + kind + "." + key
}

// MsgID identifies an event for JetStream deduplication
func MsgID(e Event) string {
	return fmt.Sprintf("%s:%s:%d:%t", e.Kind, e.Key, e.At.UnixNano(), e.Deleted)
}

// Watch forwards every change of hub to sink as events of kind
func Watch[K comparable, V any](sink Sink, hub *state.Hub[K, V], kind string, keyString func(K) string) {
	hub.OnChange(func(key K, value V, deleted bool) {
		e := Event{Kind: kind, Key: keyString(key), Deleted: deleted, At: time.Now()}
		if !deleted {
			e.State = value
		}
		sink.Enqueue(e)
	})
}
