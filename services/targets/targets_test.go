package targets

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"netlock/pkg/bus"
	"netlock/pkg/kv"
	"netlock/services/events"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestRegistry(t *testing.T) (*Registry, *bus.Hub) {
	t.Helper()

	store, err := kv.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "netlock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := bus.NewHub()
	clock := &stepClock{t: time.UnixMilli(1_700_000_000_000)}
	reg, err := NewRegistry(store, hub, WithClock(clock.Now))
	require.NoError(t, err)
	return reg, hub
}

func registerTarget(t *testing.T, reg *Registry, hostname string) *Target {
	t.Helper()

	ctx := context.Background()
	id, err := reg.Register(ctx, Registration{Hostname: hostname, OS: "linux"})
	require.NoError(t, err)
	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	return target
}

func drain(sub *bus.Subscription) []bus.Message {
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

func TestMakeID(t *testing.T) {
	assert.Equal(t, "1f94fe445ba97e785acb7ea6f44b8fcb451ba5ddfa72c603380bd96c9158ed0d", MakeID("web01"))
	assert.Equal(t, MakeID("db01"), MakeID("db01"))
	assert.NotEqual(t, MakeID("web01"), MakeID("web02"))
}

func TestNewRegistryRequiresStore(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	reg, hub := newTestRegistry(t)
	sub := hub.Subscribe(8, bus.TopicTarget)
	defer sub.Close()

	id, err := reg.Register(ctx, Registration{
		Hostname:   "web01",
		OS:         "Ubuntu 24.04",
		Interfaces: []Interface{{MAC: "AA:BB:CC:DD:EE:01", IP: "10.0.0.4"}},
		Users:      []User{{Name: "root"}},
	})
	require.NoError(t, err)
	assert.Equal(t, MakeID("web01"), id)

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)

	assert.True(t, snap.Active)
	assert.Equal(t, "Ubuntu 24.04", snap.OS)
	assert.Equal(t, snap.DateAdded, snap.LastPing)
	require.Len(t, snap.Interfaces, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", snap.Interfaces[0].MAC)
	assert.Equal(t, "up", snap.Interfaces[0].State)
	require.Len(t, snap.Users, 1)

	msgs := drain(sub)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].Payload.(Snapshot).ID)

	_, err = reg.Register(ctx, Registration{Hostname: "web01"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	var targetErr *TargetError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, "web01", targetErr.Hostname)

	_, err = reg.Register(ctx, Registration{Hostname: "  "})
	assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestRegisterSeedsAppsAndPorts(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	id, err := reg.Register(ctx, Registration{
		ID:       "stale-id",
		Hostname: "web09",
		OS:       "linux",
		Active:   false,
		LastPing: 1,
		Apps: []App{
			{Name: "nginx", PIDs: []string{"10", "11", "10", ""}},
			{Name: "nginx", PIDs: []string{"99"}},
			{Name: "cron"},
			{Name: " "},
		},
		Ports: []Port{
			{Port: 22, Service: "ssh"},
			{Port: 22, Protocol: "TCP", Service: "dup"},
			{Port: 53, Protocol: "udp", Service: "dns"},
			{Port: 0, Service: "bad"},
			{Port: 80, Protocol: "sctp"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, MakeID("web09"), id)

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)

	assert.True(t, snap.Active)
	assert.Equal(t, snap.DateAdded, snap.LastPing)
	assert.Equal(t, []App{
		{Name: "nginx", Running: true, PIDs: []string{"10", "11"}, Instances: 2},
		{Name: "cron", Running: false, PIDs: []string{}, Instances: 0},
	}, snap.Apps)
	assert.Equal(t, []Port{
		{Port: 22, Protocol: "tcp", Service: "ssh"},
		{Port: 53, Protocol: "udp", Service: "dns"},
	}, snap.Ports)

	changed, err := target.ProcessEnded(ctx, Process{Name: "nginx", PID: "10"})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestScenarioWeb01(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	target := registerTarget(t, reg, "web01")
	assert.Equal(t, "1f94fe445ba97e785acb7ea6f44b8fcb451ba5ddfa72c603380bd96c9158ed0d", target.ID())

	ok, err := target.AddInterface(ctx, "aa:bb:cc:dd:ee:ff", "10.0.0.5", "up")
	require.NoError(t, err)
	assert.True(t, ok)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Interfaces, 1)

	steps := []struct {
		name  string
		apply func() (bool, error)
		want  App
	}{
		{
			name:  "first nginx",
			apply: func() (bool, error) { return target.ProcessCreated(ctx, Process{Name: "nginx", PID: "100"}, "") },
			want:  App{Name: "nginx", Running: true, Instances: 1, PIDs: []string{"100"}},
		},
		{
			name:  "second nginx",
			apply: func() (bool, error) { return target.ProcessCreated(ctx, Process{Name: "nginx", PID: "101"}, "") },
			want:  App{Name: "nginx", Running: true, Instances: 2, PIDs: []string{"100", "101"}},
		},
		{
			name:  "first exits",
			apply: func() (bool, error) { return target.ProcessEnded(ctx, Process{Name: "nginx", PID: "100"}) },
			want:  App{Name: "nginx", Running: true, Instances: 1, PIDs: []string{"101"}},
		},
		{
			name:  "last exits",
			apply: func() (bool, error) { return target.ProcessEnded(ctx, Process{Name: "nginx", PID: "101"}) },
			want:  App{Name: "nginx", Running: false, Instances: 0, PIDs: []string{}},
		},
	}

	for _, step := range steps {
		ok, err := step.apply()
		require.NoError(t, err, step.name)
		assert.True(t, ok, step.name)

		snap, err := target.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Apps, 1, step.name)
		assert.Equal(t, step.want, snap.Apps[0], step.name)
	}

	ok, err = target.ProcessEnded(ctx, Process{Name: "nginx", PID: "101"})
	require.NoError(t, err)
	assert.False(t, ok)
	snap, err = target.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Apps[0].Instances)

	_, err = target.ProcessEnded(ctx, Process{Name: "apache", PID: "1"})
	var targetErr *TargetError
	assert.ErrorAs(t, err, &targetErr)
}

func TestInterfaceLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	target := registerTarget(t, reg, "edge01")
	mac := "aa:bb:cc:dd:ee:ff"

	ok, err := target.AddInterface(ctx, mac, "10.0.0.5", "up")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = target.AddInterface(ctx, mac, "10.0.0.6", "up")
	var targetErr *TargetError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, "edge01", targetErr.Hostname)

	ok, err = target.UpdateInterfaceState(ctx, mac, "down")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.UpdateInterfaceState(ctx, mac, "down")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = target.UpdateInterfaceState(ctx, "00:00:00:00:00:00", "up")
	assert.ErrorAs(t, err, &targetErr)

	ok, err = target.UpdateInterfaceIP(ctx, mac, "fe80::1", "64", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.UpdateInterfaceIP(ctx, mac, "10.0.0.9", "24", 4)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = target.UpdateInterfaceIP(ctx, mac, "10.0.0.9", "", 4)
	assert.ErrorAs(t, err, &targetErr)

	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Interfaces, 1)
	assert.Equal(t, Interface{
		IP:      "10.0.0.9",
		MAC:     mac,
		State:   "down",
		Subnet:  "24",
		IPv6:    "fe80::1",
		Subnet6: "64",
	}, snap.Interfaces[0])

	ok, err = target.RemoveInterface(ctx, mac)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.RemoveInterface(ctx, mac)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	target := registerTarget(t, reg, "ws01")

	ok, err := target.AddUser(ctx, "alice", false)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = target.AddUser(ctx, "alice", false)
	var targetErr *TargetError
	require.ErrorAs(t, err, &targetErr)

	loggedIn := true
	ok, err = target.UpdateUser(ctx, "alice", UserUpdate{LoggedIn: &loggedIn})
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	assert.True(t, snap.Users[0].LoggedIn)
	assert.NotZero(t, snap.Users[0].LastLogin)
	assert.GreaterOrEqual(t, snap.Users[0].LastUpdate, snap.Users[0].LastLogin)

	_, err = target.UpdateUser(ctx, "bob", UserUpdate{LoggedIn: &loggedIn})
	assert.ErrorAs(t, err, &targetErr)

	ok, err = target.RemoveUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.RemoveUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPortLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	target := registerTarget(t, reg, "db01")

	ok, err := target.OpenPort(ctx, Port{Port: 5432, Service: "postgres"})
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = target.OpenPort(ctx, Port{Port: 5432, Protocol: "TCP"})
	var targetErr *TargetError
	require.ErrorAs(t, err, &targetErr)

	ok, err = target.OpenPort(ctx, Port{Port: 5432, Protocol: "udp"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = target.UpdatePortService(ctx, 5432, "tcp", "pgbouncer")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.UpdatePortService(ctx, 5432, "tcp", "pgbouncer")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = target.UpdatePortService(ctx, 80, "tcp", "nginx")
	assert.ErrorAs(t, err, &targetErr)

	ok, err = target.ClosePort(ctx, 5432, "udp")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = target.ClosePort(ctx, 5432, "udp")
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Port{{Port: 5432, Protocol: "tcp", Service: "pgbouncer"}}, snap.Ports)
}

func TestPublications(t *testing.T) {
	ctx := context.Background()
	reg, hub := newTestRegistry(t)
	target := registerTarget(t, reg, "pub01")

	sub := hub.Subscribe(32)
	defer sub.Close()

	_, err := target.AddInterface(ctx, "aa:bb:cc:dd:ee:ff", "10.0.0.5", "up")
	require.NoError(t, err)
	_, err = target.RemoveInterface(ctx, "00:00:00:00:00:01")
	require.NoError(t, err)
	_, err = target.AddInterface(ctx, "aa:bb:cc:dd:ee:ff", "10.0.0.5", "up")
	require.Error(t, err)
	require.NoError(t, target.UpdateLastPing(ctx))
	entry := target.AddLog(ctx, Record{Event: events.InterfaceCreated, Message: "created"})

	msgs := drain(sub)
	require.Len(t, msgs, 3)
	assert.Equal(t, bus.TopicTarget, msgs[0].Topic)
	assert.Equal(t, target.ID(), msgs[0].Payload.(Snapshot).ID)
	assert.Equal(t, bus.TopicTarget, msgs[1].Topic)
	assert.Equal(t, bus.TopicLogs, msgs[2].Topic)
	assert.Equal(t, entry.ID, msgs[2].Payload.(LogEntry).ID)
}

func TestLogPublicationIsACopy(t *testing.T) {
	ctx := context.Background()
	reg, hub := newTestRegistry(t)
	target := registerTarget(t, reg, "pub02")

	sub := hub.Subscribe(4, bus.TopicLogs)
	defer sub.Close()

	entry := target.AddLog(ctx, Record{Event: events.Kernel, Message: "loaded", Details: map[string]any{"module": "nf_tables"}})

	msgs := drain(sub)
	require.Len(t, msgs, 1)
	published := msgs[0].Payload.(LogEntry)
	published.Details["module"] = "tampered"

	assert.Equal(t, "nf_tables", entry.Details["module"])
	stored, err := target.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "nf_tables", stored[0].Details["module"])
}

func TestStaleHandleCannotLogAfterDelete(t *testing.T) {
	ctx := context.Background()
	reg, hub := newTestRegistry(t)
	stale := registerTarget(t, reg, "web01")
	stale.AddLog(ctx, Record{Event: events.Kernel, Message: "before delete"})

	require.NoError(t, stale.Delete(ctx))

	sub := hub.Subscribe(4, bus.TopicLogs)
	defer sub.Close()

	before := testutil.ToFloat64(droppedAppends)
	entry := stale.AddLog(ctx, Record{Event: events.Kernel, Message: "late event on deleted target"})
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, before+1, testutil.ToFloat64(droppedAppends))
	assert.Empty(t, drain(sub))

	all, err := reg.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	fresh := registerTarget(t, reg, "web01")
	assert.Equal(t, stale.ID(), fresh.ID())

	all, err = reg.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	own, err := fresh.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestLogsAndDelete(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	a := registerTarget(t, reg, "a01")
	b := registerTarget(t, reg, "b01")

	first := a.AddLog(ctx, Record{Event: events.FileAccessed, Message: "one", Details: map[string]any{"file": "/etc/hosts"}})
	second := b.AddLog(ctx, Record{Event: events.Kernel, Message: "two", Urgent: true})
	third := a.AddLog(ctx, Record{Event: events.FileDeleted, Message: "three"})

	own, err := a.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, first.ID, own[0].ID)
	assert.Equal(t, "/etc/hosts", own[0].Details["file"])

	all, err := reg.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[1].Urgent)

	deleted, err := reg.Delete(ctx, a.ID())
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = reg.Get(ctx, a.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	all, err = reg.Logs(ctx)
	require.NoError(t, err)
	for _, e := range all {
		assert.NotEqual(t, a.ID(), e.TargetID)
	}

	_, err = a.AddUser(ctx, "ghost", false)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = reg.Delete(ctx, a.ID())
	require.NoError(t, err)
	assert.False(t, deleted)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID(), list[0].ID)
}

func TestListOrderedByID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	for _, h := range []string{"web01", "web02", "db01", "cache01"} {
		registerTarget(t, reg, h)
	}

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestConcurrentProcessCreated(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	id := registerTarget(t, reg, "busy01").ID()

	const workers = 16
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := reg.Get(ctx, id)
			if !assert.NoError(t, err) {
				return
			}
			_, err = target.ProcessCreated(ctx, Process{Name: "worker", PID: string(rune('a' + i))}, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	target, err := reg.Get(ctx, id)
	require.NoError(t, err)
	snap, err := target.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Apps, 1)
	assert.Equal(t, workers, snap.Apps[0].Instances)
	assert.Len(t, snap.Apps[0].PIDs, workers)
}

func TestStoreFailureReadsAsAbsence(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := kv.NewMockStore(ctrl)
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	id := MakeID("flaky01")
	store.EXPECT().Get(gomock.Any(), "targets!"+id).Return(nil, errors.New("disk unavailable"))

	_, err = reg.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddLogCountsDroppedAppends(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := kv.NewMockStore(ctrl)
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	id := MakeID("flaky02")
	raw, err := json.Marshal(Snapshot{ID: id, Hostname: "flaky02"})
	require.NoError(t, err)
	store.EXPECT().Get(gomock.Any(), "targets!"+id).Return(raw, nil).Times(2)
	store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("read-only file system"))

	target, err := reg.Get(context.Background(), id)
	require.NoError(t, err)

	before := testutil.ToFloat64(droppedAppends)
	entry := target.AddLog(context.Background(), Record{Event: events.Config, Message: "changed"})
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, id, entry.TargetID)
	assert.Equal(t, before+1, testutil.ToFloat64(droppedAppends))
}

func TestLogEntryJSONFlattensDetails(t *testing.T) {
	entry := LogEntry{
		ID:        "e1",
		TargetID:  "t1",
		Event:     events.ProcessCreated,
		Timestamp: 42,
		Message:   "Process nginx (pid 100) started",
		Details:   map[string]any{"name": "nginx", "pid": "100", "id": "ignored"},
	}

	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "e1", flat["id"])
	assert.Equal(t, "nginx", flat["name"])
	assert.Equal(t, "processCreated", flat["event"])

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, int64(42), decoded.Timestamp)
	assert.Equal(t, map[string]any{"name": "nginx", "pid": "100"}, decoded.Details)
}

func TestOrderKeySortsByTime(t *testing.T) {
	early := orderKey(LogEntry{Timestamp: 999, Event: events.Kernel, ID: "b"}, "web01")
	late := orderKey(LogEntry{Timestamp: 1000, Event: events.Config, ID: "a"}, "web01")
	assert.Less(t, early, late)
	assert.Equal(t, "0000000000999!web01!kernel!b", early)
}
