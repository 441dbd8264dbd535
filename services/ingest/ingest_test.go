package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netlock/pkg/bus"
	"netlock/pkg/kv"
	"netlock/services/events"
	"netlock/services/targets"
)

func newTestIngestor(t *testing.T, opts ...Option) (*Ingestor, *targets.Registry, *bus.Hub) {
	t.Helper()

	store, err := kv.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "netlock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := bus.NewHub()
	reg, err := targets.NewRegistry(store, hub)
	require.NoError(t, err)

	ing, err := NewIngestor(reg, opts...)
	require.NoError(t, err)
	return ing, reg, hub
}

func mustDecode(t *testing.T, payload string) events.Event {
	t.Helper()
	ev, err := events.Decode([]byte(payload))
	require.NoError(t, err)
	return ev
}

func pending(sub *bus.Subscription) []bus.Message {
	var out []bus.Message
	for {
		select {
		case msg := <-sub.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestNewIngestorRequiresRegistry(t *testing.T) {
	_, err := NewIngestor(nil)
	require.Error(t, err)
}

func TestApplyMutatesAndLogs(t *testing.T) {
	ctx := context.Background()
	ing, reg, _ := newTestIngestor(t)
	id, err := reg.Register(ctx, targets.Registration{Hostname: "web01"})
	require.NoError(t, err)

	payloads := []string{
		`{"event":"interfaceCreated","mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.5"}`,
		`{"event":"interfaceDown","mac":"aa:bb:cc:dd:ee:ff"}`,
		`{"event":"interfaceIpChange","mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.7","subnet":"24"}`,
		`{"event":"processCreated","name":"nginx","pid":100,"version":"1.25"}`,
		`{"event":"userCreated","name":"alice"}`,
		`{"event":"userLoggedIn","name":"alice"}`,
		`{"event":"portOpened","port":443,"service":"nginx"}`,
		`{"event":"portServiceChanged","port":443,"service":"envoy"}`,
	}
	for _, p := range payloads {
		entry, err := ing.Apply(ctx, id, mustDecode(t, p))
		require.NoError(t, err, p)
		assert.Equal(t, id, entry.TargetID)
	}

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Interfaces, 1)
	assert.Equal(t, "down", snap.Interfaces[0].State)
	assert.Equal(t, "10.0.0.7", snap.Interfaces[0].IP)
	assert.Equal(t, "24", snap.Interfaces[0].Subnet)
	require.Len(t, snap.Apps, 1)
	assert.Equal(t, "1.25", snap.Apps[0].Version)
	require.Len(t, snap.Users, 1)
	assert.True(t, snap.Users[0].LoggedIn)
	require.Len(t, snap.Ports, 1)
	assert.Equal(t, "envoy", snap.Ports[0].Service)

	logs, err := target.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, len(payloads))
}

func TestApplyLogOnlyAndNoOp(t *testing.T) {
	ctx := context.Background()
	ing, reg, hub := newTestIngestor(t)
	id, err := reg.Register(ctx, targets.Registration{Hostname: "files01"})
	require.NoError(t, err)

	sub := hub.Subscribe(16)
	defer sub.Close()

	entry, err := ing.Apply(ctx, id, mustDecode(t, `{"event":"fileDeleted","file":"/etc/shadow","user":"mallory"}`))
	require.NoError(t, err)
	assert.True(t, entry.Urgent)
	assert.Equal(t, "File /etc/shadow was deleted", entry.Message)
	assert.Equal(t, "mallory", entry.Details["user"])

	before := testutil.ToFloat64(ingested.WithLabelValues(string(events.InterfaceDeleted), outcomeLogged))
	entry, err = ing.Apply(ctx, id, mustDecode(t, `{"event":"interfaceDeleted","mac":"00:11:22:33:44:55"}`))
	require.NoError(t, err)
	assert.False(t, entry.Urgent)
	assert.Equal(t, before+1, testutil.ToFloat64(ingested.WithLabelValues(string(events.InterfaceDeleted), outcomeLogged)))

	msgs := pending(sub)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, bus.TopicLogs, msg.Topic)
	}
}

func TestApplyRejections(t *testing.T) {
	ctx := context.Background()
	ing, reg, _ := newTestIngestor(t)
	id, err := reg.Register(ctx, targets.Registration{Hostname: "strict01"})
	require.NoError(t, err)

	_, err = ing.Apply(ctx, id, mustDecode(t, `{"event":"processEnded","name":"ghost","pid":1}`))
	var targetErr *targets.TargetError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, "strict01", targetErr.Hostname)

	_, err = ing.Apply(ctx, targets.MakeID("nobody"), mustDecode(t, `{"event":"kernel","module":"x"}`))
	assert.ErrorIs(t, err, targets.ErrNotFound)

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	logs, err := target.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCustomUrgency(t *testing.T) {
	ctx := context.Background()
	ing, reg, _ := newTestIngestor(t, WithUrgency(func(events.Event) bool { return true }))
	id, err := reg.Register(ctx, targets.Registration{Hostname: "loud01"})
	require.NoError(t, err)

	entry, err := ing.Apply(ctx, id, mustDecode(t, `{"event":"interfaceDeleted","mac":"aa"}`))
	require.NoError(t, err)
	assert.True(t, entry.Urgent)
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	ing, reg, _ := newTestIngestor(t)
	id, err := reg.Register(ctx, targets.Registration{Hostname: "ping01"})
	require.NoError(t, err)

	require.NoError(t, ing.Ping(ctx, id))
	assert.ErrorIs(t, ing.Ping(ctx, targets.MakeID("missing")), targets.ErrNotFound)
}

func TestStartRequiresBus(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	require.Error(t, ing.Start(context.Background()))
	require.NoError(t, ing.Close())
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestStartConsumesBeaconEvents(t *testing.T) {
	srv := runJetStreamServer(t)

	b, err := bus.New(srv.ClientURL())
	require.NoError(t, err)
	defer b.Close()

	ing, reg, hub := newTestIngestor(t, WithBus(b), WithSubject("test.beacon.events", "TEST_BEACON"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := reg.Register(ctx, targets.Registration{Hostname: "nats01"})
	require.NoError(t, err)

	sub := hub.Subscribe(16, bus.TopicLogs)
	defer sub.Close()

	require.NoError(t, ing.Start(ctx))
	defer ing.Close()

	publish := func(targetID, event string) {
		require.NoError(t, b.Publish(ctx, "test.beacon.events", BeaconMessage{
			TargetID: targetID,
			Event:    json.RawMessage(event),
		}))
	}
	publish(id, `{"event":"printerJam"}`)
	publish(targets.MakeID("unknown"), `{"event":"kernel","module":"x"}`)
	publish(id, `{"event":"processCreated","name":"sshd","pid":"22"}`)

	select {
	case msg := <-sub.C():
		entry := msg.Payload.(targets.LogEntry)
		assert.Equal(t, events.ProcessCreated, entry.Event)
		assert.Equal(t, id, entry.TargetID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for log entry")
	}

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Apps, 1)
	assert.Equal(t, []string{"22"}, snap.Apps[0].PIDs)
}
