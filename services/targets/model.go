package targets

import (
	"net/netip"
	"slices"
	"strings"
)

// Snapshot is the full mutable state document of one monitored host.
type Snapshot struct {
	ID         string      `json:"id"`
	Hostname   string      `json:"hostname"`
	OS         string      `json:"os"`
	Active     bool        `json:"active"`
	Interfaces []Interface `json:"interfaces"`
	Users      []User      `json:"users"`
	Apps       []App       `json:"apps"`
	Ports      []Port      `json:"ports"`
	LastPing   int64       `json:"lastPing"`
	DateAdded  int64       `json:"dateAdded"`
}

// Interface is a network interface, unique by MAC within a target.
type Interface struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	State   string `json:"state"`
	Subnet  string `json:"subnet,omitempty"`
	IPv6    string `json:"ipv6,omitempty"`
	Subnet6 string `json:"subnet6,omitempty"`
}

// User is a local account, unique by name within a target.
type User struct {
	Name       string `json:"name"`
	LastLogin  int64  `json:"lastLogin"`
	LastUpdate int64  `json:"lastUpdate"`
	LoggedIn   bool   `json:"loggedIn"`
}

// App aggregates every running instance of a process name. Running is true
// exactly when Instances is positive.
type App struct {
	Name      string   `json:"name"`
	Running   bool     `json:"running"`
	Version   string   `json:"version"`
	PIDs      []string `json:"pids"`
	Instances int      `json:"instances"`
}

// Port is a listening service port, unique by port and protocol.
type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
	Process  string `json:"process,omitempty"`
}

// Process identifies one process instance reported by a beacon.
type Process struct {
	Name string
	PID  string
}

// UserUpdate carries the optional fields of a session transition.
type UserUpdate struct {
	LoggedIn  *bool
	LastLogin *int64
}

// Registration is the initial snapshot a beacon sends when it first
// connects. ID, Active, LastPing and DateAdded are accepted so a beacon can
// send a snapshot it already holds, but the registry assigns them itself.
type Registration struct {
	ID         string      `json:"id,omitempty"`
	Hostname   string      `json:"hostname"`
	OS         string      `json:"os"`
	Active     bool        `json:"active,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
	Users      []User      `json:"users,omitempty"`
	Apps       []App       `json:"apps,omitempty"`
	Ports      []Port      `json:"ports,omitempty"`
	LastPing   int64       `json:"lastPing,omitempty"`
	DateAdded  int64       `json:"dateAdded,omitempty"`
}

// Clone returns a deep copy that shares no slices with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Interfaces = slices.Clone(s.Interfaces)
	out.Users = slices.Clone(s.Users)
	out.Ports = slices.Clone(s.Ports)
	if s.Apps != nil {
		out.Apps = make([]App, len(s.Apps))
		for i, a := range s.Apps {
			a.PIDs = slices.Clone(a.PIDs)
			out.Apps[i] = a
		}
	}
	return out
}

func (s *Snapshot) interfaceIndex(mac string) int {
	return slices.IndexFunc(s.Interfaces, func(i Interface) bool { return i.MAC == mac })
}

func (s *Snapshot) userIndex(name string) int {
	return slices.IndexFunc(s.Users, func(u User) bool { return u.Name == name })
}

func (s *Snapshot) appIndex(name string) int {
	return slices.IndexFunc(s.Apps, func(a App) bool { return a.Name == name })
}

func (s *Snapshot) portIndex(port int, protocol string) int {
	return slices.IndexFunc(s.Ports, func(p Port) bool { return p.Port == port && p.Protocol == protocol })
}

// seedApp normalises an app reported at registration. Duplicate and empty
// pids are dropped and Running follows Instances.
func seedApp(a App) App {
	a.Name = strings.TrimSpace(a.Name)
	pids := make([]string, 0, len(a.PIDs))
	for _, pid := range a.PIDs {
		pid = strings.TrimSpace(pid)
		if pid != "" && !slices.Contains(pids, pid) {
			pids = append(pids, pid)
		}
	}
	a.PIDs = pids
	a.Instances = max(a.Instances, len(pids))
	a.Running = a.Instances > 0
	return a
}

func validPort(p Port) bool {
	return p.Port >= 1 && p.Port <= 65535 && (p.Protocol == "tcp" || p.Protocol == "udp")
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

func normalizeProtocol(protocol string) string {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		return "tcp"
	}
	return protocol
}

func isIPv6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Is6() && !addr.Is4In6()
}
