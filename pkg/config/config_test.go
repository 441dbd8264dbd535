package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "data/netlock.db", cfg.SQLitePath)
	assert.Equal(t, "netlock.beacon.events", cfg.IngestSubject)
	assert.Equal(t, "netlock.stream", cfg.StreamPrefix)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.True(t, cfg.S3.ForcePathStyle)
	assert.False(t, cfg.ArchiveOnDelete)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "postgres with dsn",
			env:  map[string]string{"NETLOCK_STORE": "postgres", "DB_DSN": "postgres://localhost/netlock"},
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"NETLOCK_STORE": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown store",
			env:     map[string]string{"NETLOCK_STORE": "leveldb"},
			wantErr: true,
		},
		{
			name:    "zero buffer",
			env:     map[string]string{"NETLOCK_SUBSCRIBER_BUFFER": "0"},
			wantErr: true,
		},
		{
			name:    "archive without endpoint",
			env:     map[string]string{"NETLOCK_ARCHIVE_ON_DELETE": "true"},
			wantErr: true,
		},
		{
			name: "archive with endpoint",
			env: map[string]string{
				"NETLOCK_ARCHIVE_ON_DELETE": "true",
				"S3_ENDPOINT":               "localhost:8333",
				"CORS_ALLOWED_ORIGINS":      "https://a.example,https://b.example",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadOrigins(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}
