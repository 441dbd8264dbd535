package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/rs/zerolog"

	"netlock/pkg/kv"
	"netlock/services/events"
)

// LogEntry is one immutable record of a target's event log. Details are
// flattened into the same JSON object as the fixed fields.
type LogEntry struct {
	ID        string
	TargetID  string
	Event     events.Kind
	Timestamp int64
	Message   string
	Urgent    bool
	Details   map[string]any
}

// Record is what a caller hands to Target.AddLog; identity and time are
// assigned on append.
type Record struct {
	Event   events.Kind
	Message string
	Urgent  bool
	Details map[string]any
}

// clone returns a copy that shares no Details map with e.
func (e LogEntry) clone() LogEntry {
	e.Details = maps.Clone(e.Details)
	return e
}

var entryFields =[]string{"id", "targetId", "event", "timestamp", "message", "urgent"}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Details)+len(entryFields))
	maps.Copy(out, e.Details)
	out["id"] = e.ID
	out["targetId"] = e.TargetID
	out["event"] = e.Event
	out["timestamp"] = e.Timestamp
	out["message"] = e.Message
	out["urgent"] = e.Urgent
	return json.Marshal(out)
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var fixed struct {
		ID        string      `json:"id"`
		TargetID  string      `json:"targetId"`
		Event     events.Kind `json:"event"`
		Timestamp int64       `json:"timestamp"`
		Message   string      `json:"message"`
		Urgent    bool        `json:"urgent"`
	}
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}

	var details map[string]any
	if err := json.Unmarshal(data, &details); err != nil {
		return err
	}
	for _, f := range entryFields {
		delete(details, f)
	}
	if len(details) == 0 {
		details = nil
	}

	*e = LogEntry{
		ID:        fixed.ID,
		TargetID:  fixed.TargetID,
		Event:     fixed.Event,
		Timestamp: fixed.Timestamp,
		Message:   fixed.Message,
		Urgent:    fixed.Urgent,
		Details:   details,
	}
	return nil
}

// orderKey sorts entries by time first; hostname, kind and id keep keys
// unique within the same millisecond.
func orderKey(e LogEntry, hostname string) string {
	return fmt.Sprintf("%013d!%s!%s!%s", e.Timestamp, hostname, e.Event, e.ID)
}

// LogStore is the append-only log partition of one target.
type LogStore struct {
	space *kv.Space
	log   zerolog.Logger
}

// NewLogStore returns the partition of store addressed by targetID.
func NewLogStore(store kv.Store, targetID string, log zerolog.Logger) *LogStore {
	return &LogStore{
		space: kv.Sub(store, targetID+kv.Separator+"logs"),
		log:   log,
	}
}

// Append persists entry under key.
func (s *LogStore) Append(ctx context.Context, key string, entry LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	return s.space.Put(ctx, key, raw)
}

// All returns every entry in storage order. Records that fail to decode are
// skipped.
func (s *LogStore) All(ctx context.Context) ([]LogEntry, error) {
	pairs, err := s.space.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan log partition: %w", err)
	}

	out := make([]LogEntry, 0, len(pairs))
	for _, p := range pairs {
		var entry LogEntry
		if err := json.Unmarshal(p.Value, &entry); err != nil {
			s.log.Warn().Err(err).Str("key", p.Key).Msg("skipping undecodable log entry")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Clear removes the whole partition and reports how many entries it held.
func (s *LogStore) Clear(ctx context.Context) (int64, error) {
	n, err := s.space.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear log partition: %w", err)
	}
	return n, nil
}
