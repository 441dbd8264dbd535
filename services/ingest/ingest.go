// Package ingest applies beacon events to their targets, from HTTP handlers
// or from the NATS JetStream beacon subject.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"netlock/pkg/bus"
	"netlock/services/events"
	"netlock/services/targets"
)

const (
	// DefaultSubject is the JetStream subject beacons publish events on.
	DefaultSubject = "netlock.beacon.events"
	// DefaultStream is the stream that retains DefaultSubject.
	DefaultStream = "NETLOCK_BEACON"

	durableName = "collector-ingest"
)

const (
	outcomeApplied  = "applied"
	outcomeLogged   = "logged"
	outcomeRejected = "rejected"
	outcomeNotFound = "not_found"
	outcomeInvalid  = "invalid"
	outcomeError    = "error"
)

var ingested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "netlock",
	Name:      "events_ingested_total",
	Help:      "Beacon events processed, by kind and outcome.",
}, []string{"kind", "outcome"})

// BeaconMessage is the JSON document beacons publish on the ingest subject.
type BeaconMessage struct {
	TargetID string          `json:"targetId"`
	Event    json.RawMessage `json:"event"`
}

// Ingestor resolves targets and applies events to them.
type Ingestor struct {
	reg     *targets.Registry
	bus     *bus.Bus
	urgency events.UrgencyPolicy
	log     zerolog.Logger
	tracer  trace.Tracer
	subject string
	stream  string

	subMu sync.Mutex
	sub   io.Closer
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithBus enables Start, consuming beacon events from b.
func WithBus(b *bus.Bus) Option {
	return func(i *Ingestor) { i.bus = b }
}

// WithSubject overrides the JetStream subject and stream names.
func WithSubject(subject, stream string) Option {
	return func(i *Ingestor) {
		if subject != "" {
			i.subject = subject
		}
		if stream != "" {
			i.stream = stream
		}
	}
}

// WithUrgency replaces StaticUrgency.
func WithUrgency(policy events.UrgencyPolicy) Option {
	return func(i *Ingestor) {
		if policy != nil {
			i.urgency = policy
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(i *Ingestor) { i.log = log.With().Str("component", "ingest").Logger() }
}

// NewIngestor constructs an Ingestor over reg.
func NewIngestor(reg *targets.Registry, opts ...Option) (*Ingestor, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}

	i := &Ingestor{
		reg:     reg,
		urgency: events.StaticUrgency,
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("netlock/services/ingest"),
		subject: DefaultSubject,
		stream:  DefaultStream,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Apply performs the mutation ev implies on targetID and appends its log
// entry. A TargetError rejects the event and nothing is logged; a no-op
// mutation still logs.
func (i *Ingestor) Apply(ctx context.Context, targetID string, ev events.Event) (targets.LogEntry, error) {
	ctx, span := i.tracer.Start(ctx, "ingest.apply", trace.WithAttributes(
		attribute.String("netlock.target_id", targetID),
		attribute.String("netlock.event", string(ev.Kind())),
	))
	defer span.End()

	kind := string(ev.Kind())

	target, err := i.reg.Get(ctx, targetID)
	if err != nil {
		ingested.WithLabelValues(kind, outcomeNotFound).Inc()
		span.SetStatus(codes.Error, err.Error())
		return targets.LogEntry{}, err
	}

	changed, err := ev.Accept(&applier{ctx: ctx, target: target})
	if err != nil {
		var targetErr *targets.TargetError
		if errors.As(err, &targetErr) {
			ingested.WithLabelValues(kind, outcomeRejected).Inc()
		} else {
			ingested.WithLabelValues(kind, outcomeError).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return targets.LogEntry{}, err
	}

	entry := target.AddLog(ctx, targets.Record{
		Event:   ev.Kind(),
		Message: ev.Message(),
		Urgent:  i.urgency(ev),
		Details: ev.Details(),
	})

	outcome := outcomeLogged
	if changed {
		outcome = outcomeApplied
	}
	ingested.WithLabelValues(kind, outcome).Inc()
	span.SetAttributes(attribute.Bool("netlock.changed", changed))
	return entry, nil
}

// Ping refreshes the heartbeat of targetID.
func (i *Ingestor) Ping(ctx context.Context, targetID string) error {
	target, err := i.reg.Get(ctx, targetID)
	if err != nil {
		return err
	}
	return target.UpdateLastPing(ctx)
}

// Start subscribes to beacon events and applies them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if i.bus == nil {
		return errors.New("bus is required")
	}

	if err := i.bus.EnsureStream(i.stream, i.subject); err != nil {
		return err
	}

	sub, err := i.bus.Subscribe(ctx, i.subject, durableName, i.handleMessage)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	i.log.Info().Str("subject", i.subject).Str("stream", i.stream).Msg("consuming beacon events")
	return nil
}

// Close stops the subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

// handleMessage acks anything that can never succeed, and returns an error
// only for failures a redelivery may fix.
func (i *Ingestor) handleMessage(ctx context.Context, data []byte) error {
	var msg BeaconMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.TargetID == "" {
		ingested.WithLabelValues("unknown", outcomeInvalid).Inc()
		i.log.Warn().Err(err).Msg("dropping malformed beacon message")
		return nil
	}

	ev, err := events.Decode(msg.Event)
	if err != nil {
		ingested.WithLabelValues("unknown", outcomeInvalid).Inc()
		i.log.Warn().Err(err).Str("target_id", msg.TargetID).Msg("dropping invalid event")
		return nil
	}

	_, err = i.Apply(ctx, msg.TargetID, ev)
	var targetErr *targets.TargetError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, targets.ErrNotFound), errors.As(err, &targetErr), errors.Is(err, events.ErrInvalidEvent):
		i.log.Warn().Err(err).Str("target_id", msg.TargetID).Str("event", string(ev.Kind())).Msg("event rejected")
		return nil
	default:
		i.log.Error().Err(err).Str("target_id", msg.TargetID).Msg("event application failed")
		return err
	}
}
