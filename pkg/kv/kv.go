// Package kv defines the ordered key-value contract used to persist target
// snapshots and log partitions, with embedded SQLite and PostgreSQL backends.
package kv

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mock_store.go -package=kv -source=kv.go Store

// Separator joins a partition prefix and the key inside it.
const Separator = "!"

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("kv: key not found")

// Pair is a single key/value record returned by Scan.
type Pair struct {
	Key   string
	Value []byte
}

// Store is an ordered key space. Scan returns records in ascending byte order
// of their keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]Pair, error)
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Space is a named partition of a Store. Keys passed to a Space are relative
// to its prefix and are returned relative by Scan.
type Space struct {
	store  Store
	prefix string
}

// Sub returns the partition of store named name.
func Sub(store Store, name string) *Space {
	return &Space{store: store, prefix: name + Separator}
}

// Prefix returns the absolute key prefix of the partition.
func (s *Space) Prefix() string { return s.prefix }

func (s *Space) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.Get(ctx, s.prefix+key)
}

func (s *Space) Put(ctx context.Context, key string, value []byte) error {
	return s.store.Put(ctx, s.prefix+key, value)
}

func (s *Space) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.prefix+key)
}

// Scan returns every record of the partition in key order.
func (s *Space) Scan(ctx context.Context) ([]Pair, error) {
	pairs, err := s.store.Scan(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	for i := range pairs {
		pairs[i].Key = pairs[i].Key[len(s.prefix):]
	}
	return pairs, nil
}

// Clear removes every record of the partition.
func (s *Space) Clear(ctx context.Context) (int64, error) {
	return s.store.DeletePrefix(ctx, s.prefix)
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}
