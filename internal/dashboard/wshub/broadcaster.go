// Package wshub fans out newly-ingested experiment events to connected
// operator UIs over WebSocket, with a non-blocking per-client
// broadcaster.
package wshub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Message is the envelope sent to every subscriber.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Client is a named, buffered subscriber fed by Broadcast.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's registration id.
func (c *Client) ID() string { return c.id }

// Send returns the channel of outbound frames for this client.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans out messages to every registered Client and every
// channel-based Subscribe call without blocking on a slow reader.
type Broadcaster struct {
	clients   sync.Map // string -> *Client
	clientCnt atomic.Int64

	subs sync.Map // int64 -> chan []byte
	subID atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster with the given per-client buffer
// size (defaulting to 64).
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register adds a named client and returns it.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes and closes a previously registered client.
func (b *Broadcaster) Unregister(id string) {
	if v, ok := b.clients.LoadAndDelete(id); ok {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered named clients.
func (b *Broadcaster) ClientCount() int64 { return b.clientCnt.Load() }

// Broadcast sends raw to every registered client without blocking; a full
// client buffer drops the message and increments that client's counter.
func (b *Broadcaster) Broadcast(raw []byte) {
	if b.closed.Load() {
		return
	}
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("dropping message for slow client", slog.String("client_id", c.id))
		}
		return true
	})
	b.subs.Range(func(_, v any) bool {
		ch := v.(chan []byte)
		select {
		case ch <- raw:
		default:
		}
		return true
	})
}

// Publish marshals payload as a Message on topic and broadcasts it.
func (b *Broadcaster) Publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("publish: marshal failed", slog.Any("error", err))
		return
	}
	msg, err := json.Marshal(Message{Topic: topic, Payload: raw})
	if err != nil {
		b.logger.Warn("publish: envelope marshal failed", slog.Any("error", err))
		return
	}
	b.Broadcast(msg)
}

// Subscribe returns a channel of raw frames, unsubscribed automatically
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan []byte {
	id := b.subID.Add(1)
	ch := make(chan []byte, b.bufSize)
	b.subs.Store(id, ch)
	go func() {
		<-ctx.Done()
		b.subs.Delete(id)
		close(ch)
	}()
	return ch
}

// Close closes every registered client and subscriber channel. Safe to
// call multiple times.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(k, v any) bool {
			close(v.(*Client).send)
			b.clients.Delete(k)
			return true
		})
		b.subs.Range(func(k, v any) bool {
			close(v.(chan []byte))
			b.subs.Delete(k)
			return true
		})
	})
}
