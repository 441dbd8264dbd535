// Package targets owns the per-host snapshots and event logs reported by
// beacons and republishes every change on the Hub.
package targets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netlock/pkg/bus"
	"netlock/pkg/kv"
)

const snapshotSpace = "targets"

// MakeID derives a target id from its hostname. Hosts sharing a hostname
// share an id.
func MakeID(hostname string) string {
	sum := sha256.Sum256([]byte(hostname))
	return hex.EncodeToString(sum[:])
}

// Registry owns every target snapshot and log partition in a store.
type Registry struct {
	store     kv.Store
	snapshots *kv.Space
	hub       *bus.Hub
	log       zerolog.Logger
	now       func() time.Time

	// locks holds one *sync.Mutex per target id. Entries are never removed
	// so a re-registered id keeps serializing against stale handles.
	locks sync.Map
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registry and target diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log.With().Str("component", "targets").Logger() }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds a registry over store. hub may be nil, in which case
// nothing is published.
func NewRegistry(store kv.Store, hub *bus.Hub, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	r := &Registry{
		store:     store,
		snapshots: kv.Sub(store, snapshotSpace),
		hub:       hub,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register creates the snapshot for a new host and returns its id.
func (r *Registry) Register(ctx context.Context, reg Registration) (string, error) {
	hostname := strings.TrimSpace(reg.Hostname)
	if hostname == "" {
		return "", fmt.Errorf("%w: hostname is required", ErrInvalidRegistration)
	}

	id := MakeID(hostname)
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := r.load(ctx, id); err == nil {
		return "", &TargetError{
			Hostname: hostname,
			Message:  fmt.Sprintf("target %s is already registered", id),
			Err:      ErrAlreadyRegistered,
		}
	}

	now := r.now().UnixMilli()
	snap := &Snapshot{
		ID:         id,
		Hostname:   hostname,
		OS:         reg.OS,
		Active:     true,
		Interfaces: make([]Interface, 0, len(reg.Interfaces)),
		Users:      make([]User, 0, len(reg.Users)),
		Apps:       make([]App, 0, len(reg.Apps)),
		Ports:      make([]Port, 0, len(reg.Ports)),
		LastPing:   now,
		DateAdded:  now,
	}
	for _, iface := range reg.Interfaces {
		iface.MAC = normalizeMAC(iface.MAC)
		if iface.MAC == "" || snap.interfaceIndex(iface.MAC) >= 0 {
			continue
		}
		if iface.State == "" {
			iface.State = "up"
		}
		snap.Interfaces = append(snap.Interfaces, iface)
	}
	for _, u := range reg.Users {
		if u.Name == "" || snap.userIndex(u.Name) >= 0 {
			continue
		}
		if u.LastUpdate == 0 {
			u.LastUpdate = now
		}
		snap.Users = append(snap.Users, u)
	}
	for _, a := range reg.Apps {
		a = seedApp(a)
		if a.Name == "" || snap.appIndex(a.Name) >= 0 {
			continue
		}
		snap.Apps = append(snap.Apps, a)
	}
	for _, p := range reg.Ports {
		p.Protocol = normalizeProtocol(p.Protocol)
		if !validPort(p) || snap.portIndex(p.Port, p.Protocol) >= 0 {
			continue
		}
		snap.Ports = append(snap.Ports, p)
	}

	if err := r.save(ctx, snap); err != nil {
		return "", err
	}
	r.publish(snap)
	mutations.WithLabelValues("register").Inc()

	r.log.Info().Str("target_id", id).Str("hostname", hostname).Msg("target registered")
	return id, nil
}

// Get returns a handle on the target with id. Store failures read as absence.
func (r *Registry) Get(ctx context.Context, id string) (*Target, error) {
	snap, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Target{
		id:       id,
		hostname: snap.Hostname,
		reg:      r,
		logs:     NewLogStore(r.store, id, r.log),
	}, nil
}

// List returns a copy of every snapshot ordered by id.
func (r *Registry) List(ctx context.Context) ([]Snapshot, error) {
	pairs, err := r.snapshots.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	out := make([]Snapshot, 0, len(pairs))
	for _, p := range pairs {
		var snap Snapshot
		if err := json.Unmarshal(p.Value, &snap); err != nil {
			r.log.Warn().Err(err).Str("target_id", p.Key).Msg("skipping undecodable snapshot")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Logs returns the log entries of every target sorted by timestamp. Entries
// with equal timestamps keep their per-target storage order.
func (r *Registry) Logs(ctx context.Context) ([]LogEntry, error) {
	snaps, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []LogEntry
	for _, snap := range snaps {
		entries, err := NewLogStore(r.store, snap.ID, r.log).All(ctx)
		if err != nil {
			return nil, fmt.Errorf("logs of %s: %w", snap.ID, err)
		}
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Delete clears the log partition and snapshot of id. It reports false when
// the target did not exist.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	t, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.Delete(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Ping checks the underlying store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// load reads the persisted snapshot. Any failure, including a store error,
// is reported as ErrNotFound.
func (r *Registry) load(ctx context.Context, id string) (*Snapshot, error) {
	raw, err := r.snapshots.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			r.log.Debug().Err(err).Str("target_id", id).Msg("snapshot read failed")
		}
		return nil, ErrNotFound
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		r.log.Debug().Err(err).Str("target_id", id).Msg("snapshot decode failed")
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (r *Registry) save(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	if err := r.snapshots.Put(ctx, snap.ID, raw); err != nil {
		return fmt.Errorf("persist snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (r *Registry) publish(snap *Snapshot) {
	r.hub.Publish(bus.TopicTarget, snap.Clone())
}
