// Package relay forwards Hub publications to NATS subjects so dashboards can
// follow target changes live.
package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"netlock/pkg/bus"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "netlock.stream"

var forwarded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "netlock",
	Name:      "relay_forwarded_total",
	Help:      "Hub publications forwarded to NATS, by topic and result.",
}, []string{"topic", "result"})

// Broadcaster publishes a JSON document on a subject. *bus.Bus satisfies it.
type Broadcaster interface {
	Broadcast(subj string, v any) error
}

// Relay subscribes to every Hub topic and broadcasts each payload on
// <prefix>.<topic>.
type Relay struct {
	hub    *bus.Hub
	out    Broadcaster
	prefix string
	buffer int
	log    zerolog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

func WithPrefix(prefix string) Option {
	return func(r *Relay) {
		if prefix = strings.TrimSuffix(prefix, "."); prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithBuffer sets the Hub subscription queue length.
func WithBuffer(n int) Option {
	return func(r *Relay) { r.buffer = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Relay) { r.log = log.With().Str("component", "relay").Logger() }
}

// New returns a Relay from hub to out.
func New(hub *bus.Hub, out Broadcaster, opts ...Option) (*Relay, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if out == nil {
		return nil, errors.New("broadcaster is required")
	}

	r := &Relay{
		hub:    hub,
		out:    out,
		prefix: DefaultPrefix,
		buffer: bus.DefaultSubscriberBuffer,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Subject returns the NATS subject payloads of topic are sent on.
func (r *Relay) Subject(topic bus.Topic) string {
	return r.prefix + "." + string(topic)
}

// Run forwards publications until ctx is cancelled. Broadcast failures are
// logged and counted; the relay keeps going.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.hub.Subscribe(r.buffer, bus.TopicTarget, bus.TopicLogs)
	defer sub.Close()

	r.log.Info().Str("prefix", r.prefix).Msg("relaying hub publications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			topic := string(msg.Topic)
			if err := r.out.Broadcast(r.Subject(msg.Topic), msg.Payload); err != nil {
				forwarded.WithLabelValues(topic, "error").Inc()
				r.log.Warn().Err(err).Str("topic", topic).Msg("relay broadcast failed")
				continue
			}
			forwarded.WithLabelValues(topic, "ok").Inc()
		}
	}
}
