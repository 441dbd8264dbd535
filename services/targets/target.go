package targets

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"netlock/pkg/bus"
)

// Target is a handle on one host's snapshot and log partition. Handles are
// cheap; every mutation re-reads the persisted snapshot under the target's
// lock, so concurrent handles never lose each other's updates.
type Target struct {
	id       string
	hostname string
	reg      *Registry
	logs     *LogStore
}

func (t *Target) ID() string       { return t.id }
func (t *Target) Hostname() string { return t.hostname }

// mutate runs fn against the current snapshot and persists and publishes the
// result when fn reports a change.
func (t *Target) mutate(ctx context.Context, op string, fn func(*Snapshot) (bool, error)) (bool, error) {
	mu := t.reg.lockFor(t.id)
	mu.Lock()
	defer mu.Unlock()

	snap, err := t.reg.load(ctx, t.id)
	if err != nil {
		return false, &TargetError{Hostname: t.hostname, Message: "target no longer exists", Err: ErrNotFound}
	}

	changed, err := fn(snap)
	if err != nil || !changed {
		return false, err
	}

	if err := t.reg.save(ctx, snap); err != nil {
		return false, err
	}
	t.reg.publish(snap)
	mutations.WithLabelValues(op).Inc()
	return true, nil
}

// UpdateInterfaceState sets the state of the interface with mac.
func (t *Target) UpdateInterfaceState(ctx context.Context, mac, state string) (bool, error) {
	mac = normalizeMAC(mac)
	return t.mutate(ctx, "update_interface_state", func(s *Snapshot) (bool, error) {
		if state != "up" && state != "down" {
			return false, failf(s.Hostname, "invalid interface state %q", state)
		}
		i := s.interfaceIndex(mac)
		if i < 0 {
			return false, failf(s.Hostname, "interface %s not found", mac)
		}
		if s.Interfaces[i].State == state {
			return false, nil
		}
		s.Interfaces[i].State = state
		return true, nil
	})
}

// AddInterface records a new interface. It fails when mac is already known.
func (t *Target) AddInterface(ctx context.Context, mac, ip, state string) (bool, error) {
	mac = normalizeMAC(mac)
	if state == "" {
		state = "up"
	}
	return t.mutate(ctx, "add_interface", func(s *Snapshot) (bool, error) {
		if s.interfaceIndex(mac) >= 0 {
			return false, failf(s.Hostname, "interface %s already exists", mac)
		}
		iface := Interface{MAC: mac, State: state}
		if isIPv6(ip) {
			iface.IPv6 = ip
		} else {
			iface.IP = ip
		}
		s.Interfaces = append(s.Interfaces, iface)
		return true, nil
	})
}

// UpdateInterfaceIP replaces the IPv4 or IPv6 address of an interface.
// version 0 infers the family from ip.
func (t *Target) UpdateInterfaceIP(ctx context.Context, mac, ip, subnet string, version int) (bool, error) {
	mac = normalizeMAC(mac)
	if version == 0 {
		version = 4
		if isIPv6(ip) {
			version = 6
		}
	}
	return t.mutate(ctx, "update_interface_ip", func(s *Snapshot) (bool, error) {
		if ip == "" || subnet == "" {
			return false, failf(s.Hostname, "ip and subnet are required to update interface %s", mac)
		}
		i := s.interfaceIndex(mac)
		if i < 0 {
			return false, failf(s.Hostname, "interface %s not found", mac)
		}

		iface := &s.Interfaces[i]
		switch version {
		case 4:
			if iface.IP == ip && iface.Subnet == subnet {
				return false, nil
			}
			iface.IP, iface.Subnet = ip, subnet
		case 6:
			if iface.IPv6 == ip && iface.Subnet6 == subnet {
				return false, nil
			}
			iface.IPv6, iface.Subnet6 = ip, subnet
		default:
			return false, failf(s.Hostname, "unsupported ip version %d", version)
		}
		return true, nil
	})
}

// RemoveInterface drops the interface with mac. Unknown macs are a no-op.
func (t *Target) RemoveInterface(ctx context.Context, mac string) (bool, error) {
	mac = normalizeMAC(mac)
	return t.mutate(ctx, "remove_interface", func(s *Snapshot) (bool, error) {
		i := s.interfaceIndex(mac)
		if i < 0 {
			return false, nil
		}
		s.Interfaces = slices.Delete(s.Interfaces, i, i+1)
		return true, nil
	})
}

// AddUser records a new local account. It fails when name is already known.
func (t *Target) AddUser(ctx context.Context, name string, loggedIn bool) (bool, error) {
	now := t.reg.now().UnixMilli()
	return t.mutate(ctx, "add_user", func(s *Snapshot) (bool, error) {
		if s.userIndex(name) >= 0 {
			return false, failf(s.Hostname, "user %s already exists", name)
		}
		u := User{Name: name, LoggedIn: loggedIn, LastUpdate: now}
		if loggedIn {
			u.LastLogin = now
		}
		s.Users = append(s.Users, u)
		return true, nil
	})
}

// RemoveUser drops the account name. Unknown names are a no-op.
func (t *Target) RemoveUser(ctx context.Context, name string) (bool, error) {
	return t.mutate(ctx, "remove_user", func(s *Snapshot) (bool, error) {
		i := s.userIndex(name)
		if i < 0 {
			return false, nil
		}
		s.Users = slices.Delete(s.Users, i, i+1)
		return true, nil
	})
}

// UpdateUser applies a session transition to an existing account. A login
// without an explicit LastLogin is stamped with the current time.
func (t *Target) UpdateUser(ctx context.Context, name string, upd UserUpdate) (bool, error) {
	now := t.reg.now().UnixMilli()
	return t.mutate(ctx, "update_user", func(s *Snapshot) (bool, error) {
		i := s.userIndex(name)
		if i < 0 {
			return false, failf(s.Hostname, "user %s not found", name)
		}

		u := &s.Users[i]
		if upd.LoggedIn != nil {
			u.LoggedIn = *upd.LoggedIn
			if *upd.LoggedIn && upd.LastLogin == nil {
				u.LastLogin = now
			}
		}
		if upd.LastLogin != nil {
			u.LastLogin = *upd.LastLogin
		}
		u.LastUpdate = now
		return true, nil
	})
}

// ProcessCreated counts a new instance of p.Name, creating the app on first
// sighting.
func (t *Target) ProcessCreated(ctx context.Context, p Process, version string) (bool, error) {
	return t.mutate(ctx, "process_created", func(s *Snapshot) (bool, error) {
		i := s.appIndex(p.Name)
		if i < 0 {
			s.Apps = append(s.Apps, App{
				Name:      p.Name,
				Running:   true,
				Version:   version,
				PIDs:      []string{p.PID},
				Instances: 1,
			})
			return true, nil
		}

		app := &s.Apps[i]
		app.Instances++
		if !slices.Contains(app.PIDs, p.PID) {
			app.PIDs = append(app.PIDs, p.PID)
		}
		app.Running = true
		if version != "" {
			app.Version = version
		}
		return true, nil
	})
}

// ProcessEnded removes one instance of p.Name. Ending an app that has no
// instances left is a no-op.
func (t *Target) ProcessEnded(ctx context.Context, p Process) (bool, error) {
	return t.mutate(ctx, "process_ended", func(s *Snapshot) (bool, error) {
		i := s.appIndex(p.Name)
		if i < 0 {
			return false, failf(s.Hostname, "app %s not found", p.Name)
		}

		app := &s.Apps[i]
		if app.Instances <= 0 {
			app.Instances = 0
			t.reg.log.Warn().
				Str("target_id", s.ID).
				Str("app", p.Name).
				Str("pid", p.PID).
				Msg("process ended with no running instances")
			return false, nil
		}

		app.Instances--
		app.PIDs = slices.DeleteFunc(app.PIDs, func(pid string) bool { return pid == p.PID })
		app.Running = app.Instances > 0
		return true, nil
	})
}

// OpenPort records a listening port. It fails when the port and protocol
// pair is already open.
func (t *Target) OpenPort(ctx context.Context, p Port) (bool, error) {
	p.Protocol = normalizeProtocol(p.Protocol)
	return t.mutate(ctx, "open_port", func(s *Snapshot) (bool, error) {
		if s.portIndex(p.Port, p.Protocol) >= 0 {
			return false, failf(s.Hostname, "port %d/%s already open", p.Port, p.Protocol)
		}
		s.Ports = append(s.Ports, p)
		return true, nil
	})
}

// ClosePort drops a listening port. Unknown ports are a no-op.
func (t *Target) ClosePort(ctx context.Context, port int, protocol string) (bool, error) {
	protocol = normalizeProtocol(protocol)
	return t.mutate(ctx, "close_port", func(s *Snapshot) (bool, error) {
		i := s.portIndex(port, protocol)
		if i < 0 {
			return false, nil
		}
		s.Ports = slices.Delete(s.Ports, i, i+1)
		return true, nil
	})
}

// UpdatePortService renames the service bound to an open port.
func (t *Target) UpdatePortService(ctx context.Context, port int, protocol, service string) (bool, error) {
	protocol = normalizeProtocol(protocol)
	return t.mutate(ctx, "update_port_service", func(s *Snapshot) (bool, error) {
		i := s.portIndex(port, protocol)
		if i < 0 {
			return false, failf(s.Hostname, "port %d/%s not open", port, protocol)
		}
		if s.Ports[i].Service == service {
			return false, nil
		}
		s.Ports[i].Service = service
		return true, nil
	})
}

// UpdateLastPing marks the target active and refreshes its heartbeat.
func (t *Target) UpdateLastPing(ctx context.Context) error {
	now := t.reg.now().UnixMilli()
	_, err := t.mutate(ctx, "ping", func(s *Snapshot) (bool, error) {
		s.LastPing = now
		s.Active = true
		return true, nil
	})
	return err
}

// AddLog stamps rec with an id and timestamp, publishes it and appends it to
// the target's partition. Persistence failures are counted and logged, never
// returned. An entry for a target that has been deleted is dropped the same
// way, so a stale handle cannot recreate the partition.
func (t *Target) AddLog(ctx context.Context, rec Record) LogEntry {
	entry := LogEntry{
		ID:        uuid.NewString(),
		TargetID:  t.id,
		Event:     rec.Event,
		Timestamp: t.reg.now().UnixMilli(),
		Message:   rec.Message,
		Urgent:    rec.Urgent,
		Details:   maps.Clone(rec.Details),
	}

	mu := t.reg.lockFor(t.id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := t.reg.load(ctx, t.id); err != nil {
		t.dropLog(entry, err)
		return entry
	}

	t.reg.hub.Publish(bus.TopicLogs, entry.clone())

	if err := t.logs.Append(ctx, orderKey(entry, t.hostname), entry); err != nil {
		t.dropLog(entry, err)
	}
	return entry
}

func (t *Target) dropLog(entry LogEntry, err error) {
	droppedAppends.Inc()
	t.reg.log.Warn().
		Err(err).
		Str("target_id", t.id).
		Str("event", string(entry.Event)).
		Msg("log append dropped")
}

// Delete clears the log partition and removes the snapshot.
func (t *Target) Delete(ctx context.Context) error {
	mu := t.reg.lockFor(t.id)
	mu.Lock()
	defer mu.Unlock()

	n, err := t.logs.Clear(ctx)
	if err != nil {
		return fmt.Errorf("delete target %s: %w", t.id, err)
	}
	if err := t.reg.snapshots.Delete(ctx, t.id); err != nil {
		return fmt.Errorf("delete target %s: %w", t.id, err)
	}

	t.reg.log.Info().Str("target_id", t.id).Int64("log_entries", n).Msg("target deleted")
	return nil
}

// Snapshot returns the current persisted state of the target.
func (t *Target) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := t.reg.load(ctx, t.id)
	if err != nil {
		return Snapshot{}, err
	}
	return *snap, nil
}

// Logs returns the target's own entries in storage order.
func (t *Target) Logs(ctx context.Context) ([]LogEntry, error) {
	return t.logs.All(ctx)
}
