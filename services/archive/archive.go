// Package archive exports target log partitions as zstd compressed JSON lines
// and uploads them to object storage.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"netlock/services/targets"
)

// ErrNoObjectStore is returned by Upload when no bucket is configured.
var ErrNoObjectStore = errors.New("archive: object store is not configured")

// ObjectStore is the subset of the S3 client the exporter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Object describes an uploaded archive.
type Object struct {
	Bucket  string `json:"bucket" yaml:"bucket"`
	Key     string `json:"key" yaml:"key"`
	SHA256  string `json:"sha256" yaml:"sha256"`
	Size    int64  `json:"size" yaml:"size"`
	Records int    `json:"records" yaml:"records"`
}

// Exporter reads log partitions from a registry.
type Exporter struct {
	reg     *targets.Registry
	objects ObjectStore
	bucket  string
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithObjectStore enables Upload into bucket.
func WithObjectStore(store ObjectStore, bucket string) Option {
	return func(e *Exporter) {
		e.objects = store
		e.bucket = bucket
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Exporter) { e.log = log.With().Str("component", "archive").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter returns an Exporter over reg.
func NewExporter(reg *targets.Registry, opts ...Option) (*Exporter, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}

	e := &Exporter{reg: reg, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enabled reports whether Upload has somewhere to write.
func (e *Exporter) Enabled() bool {
	return e != nil && e.objects != nil && e.bucket != ""
}

// Write streams the log of targetID to w, one JSON entry per line inside a
// zstd frame, and returns the number of entries written.
func (e *Exporter) Write(ctx context.Context, w io.Writer, targetID string) (int, error) {
	target, err := e.reg.Get(ctx, targetID)
	if err != nil {
		return 0, err
	}
	entries, err := target.Logs(ctx)
	if err != nil {
		return 0, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(zw)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			_ = zw.Close()
			return 0, fmt.Errorf("encode log entry %s: %w", entry.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Upload archives the log of targetID under
// logs/<targetID>/<unix millis>.jsonl.zst.
func (e *Exporter) Upload(ctx context.Context, targetID string) (Object, error) {
	if !e.Enabled() {
		return Object{}, ErrNoObjectStore
	}

	var buf bytes.Buffer
	n, err := e.Write(ctx, &buf, targetID)
	if err != nil {
		return Object{}, err
	}

	sum := sha256.Sum256(buf.Bytes())
	obj := Object{
		Bucket:  e.bucket,
		Key:     fmt.Sprintf("logs/%s/%d.jsonl.zst", targetID, e.now().UnixMilli()),
		SHA256:  hex.EncodeToString(sum[:]),
		Size:    int64(buf.Len()),
		Records: n,
	}

	if err := e.objects.PutObject(ctx, obj.Bucket, obj.Key, bytes.NewReader(buf.Bytes()), obj.Size, obj.SHA256); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", obj.Key, err)
	}

	e.log.Info().
		Str("target_id", targetID).
		Str("key", obj.Key).
		Int("records", n).
		Msg("log partition archived")
	return obj, nil
}

// Link returns a time limited download URL for an uploaded archive.
func (e *Exporter) Link(ctx context.Context, obj Object, ttl time.Duration) (string, error) {
	if !e.Enabled() {
		return "", ErrNoObjectStore
	}
	return e.objects.PresignGet(ctx, obj.Bucket, obj.Key, ttl)
}

// Read decodes an archive produced by Write.
func Read(r io.Reader) ([]targets.LogEntry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []targets.LogEntry
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry targets.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
