// Package bus carries collector events: Hub relays target mutations to
// in-process subscribers, Bus connects the collector to NATS for beacon
// ingress and dashboard fan-out.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned by every method called on a nil Bus.
var ErrNotConnected = errors.New("bus: not connected")

// Bus is the collector's NATS link. Beacon events arrive through a durable
// JetStream consumer; target and log updates leave through core subjects.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New dials url and prepares a JetStream context for beacon ingress.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("bus: nats url is required")
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	return &Bus{conn: conn, js: js}, nil
}

// Close flushes pending broadcasts and in-flight acks before disconnecting.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStream makes sure the beacon stream exists. An existing stream is
// left untouched, including its subjects.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return ErrNotConnected
	}

	switch _, err := b.js.StreamInfo(name); {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("bus: stream %s: %w", name, err)
	}

	if _, err := b.js.AddStream(&nats.StreamConfig{Name: name, Subjects: subjects}); err != nil {
		return fmt.Errorf("bus: create stream %s: %w", name, err)
	}
	return nil
}

// Publish stores v on a JetStream subject and waits for the stream to
// acknowledge it. The emit command uses it to inject beacon events.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subj, err)
	}
	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

// Broadcast sends v on a core subject for live dashboards. Nothing is kept
// for subscribers that connect later.
func (b *Bus) Broadcast(subj string, v any) error {
	if b == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subj, err)
	}
	return b.conn.Publish(subj, data)
}

// drainer stops a NATS subscription once, letting queued messages finish.
type drainer struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (d *drainer) Close() error {
	d.once.Do(func() { d.err = d.sub.Drain() })
	return d.err
}

// Subscribe attaches the durable consumer durable to subj and hands each
// payload to fn. A nil result acks the message; an error naks it so the
// server redelivers. The consumer drains when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, ErrNotConnected
	}
	if fn == nil {
		return nil, errors.New("bus: handler is required")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		settle := msg.Ack
		if err := fn(msgCtx, msg.Data); err != nil {
			settle = msg.Nak
		}
		_ = settle()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subj, err)
	}

	d := &drainer{sub: sub}
	context.AfterFunc(ctx, func() { _ = d.Close() })
	return d, nil
}

// SubscribeCore hands every core NATS payload on subj to fn. The returned
// Closer is ready once the server has registered the interest.
func (b *Bus) SubscribeCore(subj string, fn func(data []byte)) (io.Closer, error) {
	if b == nil {
		return nil, ErrNotConnected
	}
	if fn == nil {
		return nil, errors.New("bus: handler is required")
	}

	sub, err := b.conn.Subscribe(subj, func(msg *nats.Msg) { fn(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subj, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &drainer{sub: sub}, nil
}
