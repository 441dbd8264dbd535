package events

import (
	"fmt"
	"net/netip"
	"strings"
)

func invalid(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, kind, fmt.Sprintf(format, args...))
}

// FileEvent reports file system activity. It never changes target state.
type FileEvent struct {
	Envelope
	File        string `json:"file"`
	Permissions string `json:"permissions,omitempty"`
}

func (e *FileEvent) normalize() {}

func (e *FileEvent) Validate() error {
	switch e.Event {
	case FileAccessed, FileCreated, FileDeleted:
	case FilePermission:
		if e.Permissions == "" {
			return invalid(e.Event, "permissions is required")
		}
	default:
		return invalid(e.Event, "not a file event")
	}
	if e.File == "" {
		return invalid(e.Event, "file is required")
	}
	return nil
}

func (e *FileEvent) Message() string {
	switch e.Event {
	case FileAccessed:
		return fmt.Sprintf("File %s was accessed", e.File)
	case FileCreated:
		return fmt.Sprintf("File %s was created", e.File)
	case FileDeleted:
		return fmt.Sprintf("File %s was deleted", e.File)
	default:
		return fmt.Sprintf("Permissions of %s changed to %s", e.File, e.Permissions)
	}
}

func (e *FileEvent) Details() map[string]any {
	d := e.details()
	d["file"] = e.File
	if e.Permissions != "" {
		d["permissions"] = e.Permissions
	}
	return d
}

func (e *FileEvent) Accept(v Visitor) (bool, error) { return v.VisitFile(e) }

// ConfigEvent reports a configuration change on the host.
type ConfigEvent struct {
	Envelope
	Setting string `json:"setting,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (e *ConfigEvent) normalize() {}

func (e *ConfigEvent) Validate() error {
	if e.Event != Config {
		return invalid(e.Event, "not a config event")
	}
	if e.Setting == "" && e.Description == "" {
		return invalid(e.Event, "setting or description is required")
	}
	return nil
}

func (e *ConfigEvent) Message() string {
	if e.Setting == "" {
		return fmt.Sprintf("Configuration changed: %s", e.Description)
	}
	if e.Value == "" {
		return fmt.Sprintf("Configuration %s changed", e.Setting)
	}
	return fmt.Sprintf("Configuration %s changed to %s", e.Setting, e.Value)
}

func (e *ConfigEvent) Details() map[string]any {
	d := e.details()
	if e.Setting != "" {
		d["setting"] = e.Setting
	}
	if e.Value != "" {
		d["value"] = e.Value
	}
	return d
}

func (e *ConfigEvent) Accept(v Visitor) (bool, error) { return v.VisitConfig(e) }

// KernelEvent reports kernel module or kernel configuration activity.
type KernelEvent struct {
	Envelope
	Module string `json:"module,omitempty"`
}

func (e *KernelEvent) normalize() {}

func (e *KernelEvent) Validate() error {
	if e.Event != Kernel {
		return invalid(e.Event, "not a kernel event")
	}
	if e.Module == "" && e.Description == "" {
		return invalid(e.Event, "module or description is required")
	}
	return nil
}

func (e *KernelEvent) Message() string {
	if e.Module == "" {
		return fmt.Sprintf("Kernel event: %s", e.Description)
	}
	return fmt.Sprintf("Kernel module %s changed", e.Module)
}

func (e *KernelEvent) Details() map[string]any {
	d := e.details()
	if e.Module != "" {
		d["module"] = e.Module
	}
	return d
}

func (e *KernelEvent) Accept(v Visitor) (bool, error) { return v.VisitKernel(e) }

// RegistryEvent reports a Windows registry edit.
type RegistryEvent struct {
	Envelope
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (e *RegistryEvent) normalize() {}

func (e *RegistryEvent) Validate() error {
	if e.Event != RegEdit {
		return invalid(e.Event, "not a registry event")
	}
	if e.Key == "" {
		return invalid(e.Event, "key is required")
	}
	return nil
}

func (e *RegistryEvent) Message() string {
	return fmt.Sprintf("Registry key %s was edited", e.Key)
}

func (e *RegistryEvent) Details() map[string]any {
	d := e.details()
	d["key"] = e.Key
	if e.Value != "" {
		d["value"] = e.Value
	}
	return d
}

func (e *RegistryEvent) Accept(v Visitor) (bool, error) { return v.VisitRegistry(e) }

// InterfaceEvent reports a network interface change, keyed by MAC address.
type InterfaceEvent struct {
	Envelope
	MAC     string `json:"mac"`
	IP      string `json:"ip,omitempty"`
	Subnet  string `json:"subnet,omitempty"`
	Version int    `json:"version,omitempty"`
	State   string `json:"state,omitempty"`
}

func (e *InterfaceEvent) normalize() {
	e.MAC = strings.ToLower(strings.TrimSpace(e.MAC))
	e.State = strings.ToLower(strings.TrimSpace(e.State))
	if e.Event == InterfaceCreated && e.State == "" {
		e.State = "up"
	}
}

// IPVersion returns the declared version, or the version of the IP literal
// when none was sent.
func (e *InterfaceEvent) IPVersion() int {
	if e.Version != 0 {
		return e.Version
	}
	if addr, err := netip.ParseAddr(e.IP); err == nil && addr.Is6() && !addr.Is4In6() {
		return 6
	}
	return 4
}

func (e *InterfaceEvent) Validate() error {
	if e.MAC == "" {
		return invalid(e.Event, "mac is required")
	}

	switch e.Event {
	case InterfaceUp, InterfaceDown, InterfaceDeleted:
		return nil
	case InterfaceCreated:
		if _, err := netip.ParseAddr(e.IP); err != nil {
			return invalid(e.Event, "ip %q is not an address", e.IP)
		}
		if e.State != "up" && e.State != "down" {
			return invalid(e.Event, "state must be up or down, got %q", e.State)
		}
		return nil
	case InterfaceIPChange:
		if e.IP == "" || e.Subnet == "" {
			return invalid(e.Event, "ip and subnet are required")
		}
		addr, err := netip.ParseAddr(e.IP)
		if err != nil {
			return invalid(e.Event, "ip %q is not an address", e.IP)
		}
		switch e.IPVersion() {
		case 4:
			if !addr.Unmap().Is4() {
				return invalid(e.Event, "ip %q is not IPv4", e.IP)
			}
		case 6:
			if !addr.Is6() {
				return invalid(e.Event, "ip %q is not IPv6", e.IP)
			}
		default:
			return invalid(e.Event, "version must be 4 or 6, got %d", e.Version)
		}
		return nil
	default:
		return invalid(e.Event, "not an interface event")
	}
}

func (e *InterfaceEvent) Message() string {
	switch e.Event {
	case InterfaceUp:
		return fmt.Sprintf("Interface %s is up", e.MAC)
	case InterfaceDown:
		return fmt.Sprintf("Interface %s is down", e.MAC)
	case InterfaceCreated:
		return fmt.Sprintf("Interface %s was created with ip %s", e.MAC, e.IP)
	case InterfaceDeleted:
		return fmt.Sprintf("Interface %s was deleted", e.MAC)
	default:
		return fmt.Sprintf("Interface %s changed IPv%d address to %s/%s", e.MAC, e.IPVersion(), e.IP, e.Subnet)
	}
}

func (e *InterfaceEvent) Details() map[string]any {
	d := e.details()
	d["mac"] = e.MAC
	if e.IP != "" {
		d["ip"] = e.IP
	}
	if e.Subnet != "" {
		d["subnet"] = e.Subnet
	}
	if e.Event == InterfaceIPChange {
		d["version"] = e.IPVersion()
	}
	if e.State != "" {
		d["state"] = e.State
	}
	return d
}

func (e *InterfaceEvent) Accept(v Visitor) (bool, error) { return v.VisitInterface(e) }

// ProcessEvent reports a process start or exit.
type ProcessEvent struct {
	Envelope
	Name    string `json:"name"`
	PID     PID    `json:"pid"`
	PPID    PID    `json:"ppid,omitempty"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

func (e *ProcessEvent) normalize() {
	e.Name = strings.TrimSpace(e.Name)
}

func (e *ProcessEvent) Validate() error {
	if e.Event != ProcessCreated && e.Event != ProcessEnded {
		return invalid(e.Event, "not a process event")
	}
	if e.Name == "" {
		return invalid(e.Event, "name is required")
	}
	if e.PID == "" {
		return invalid(e.Event, "pid is required")
	}
	return nil
}

func (e *ProcessEvent) Message() string {
	if e.Event == ProcessCreated {
		return fmt.Sprintf("Process %s (pid %s) started", e.Name, e.PID)
	}
	return fmt.Sprintf("Process %s (pid %s) ended", e.Name, e.PID)
}

func (e *ProcessEvent) Details() map[string]any {
	d := e.details()
	d["name"] = e.Name
	d["pid"] = string(e.PID)
	if e.PPID != "" {
		d["ppid"] = string(e.PPID)
	}
	if e.Path != "" {
		d["path"] = e.Path
	}
	if e.Version != "" {
		d["version"] = e.Version
	}
	return d
}

func (e *ProcessEvent) Accept(v Visitor) (bool, error) { return v.VisitProcess(e) }

// UserEvent reports a local account change or session transition.
type UserEvent struct {
	Envelope
	Name     string `json:"name"`
	LoggedIn bool   `json:"loggedIn,omitempty"`
	Group    string `json:"group,omitempty"`
}

func (e *UserEvent) normalize() {
	e.Name = strings.TrimSpace(e.Name)
}

func (e *UserEvent) Validate() error {
	switch e.Event {
	case UserCreated, UserDeleted, UserLoggedIn, UserLoggedOut:
	case UserGroupChange:
		if e.Group == "" {
			return invalid(e.Event, "group is required")
		}
	default:
		return invalid(e.Event, "not a user event")
	}
	if e.Name == "" {
		return invalid(e.Event, "name is required")
	}
	return nil
}

func (e *UserEvent) Message() string {
	switch e.Event {
	case UserCreated:
		return fmt.Sprintf("User %s was created", e.Name)
	case UserDeleted:
		return fmt.Sprintf("User %s was deleted", e.Name)
	case UserLoggedIn:
		return fmt.Sprintf("User %s logged in", e.Name)
	case UserLoggedOut:
		return fmt.Sprintf("User %s logged out", e.Name)
	default:
		return fmt.Sprintf("User %s group changed to %s", e.Name, e.Group)
	}
}

func (e *UserEvent) Details() map[string]any {
	d := e.details()
	d["name"] = e.Name
	if e.Group != "" {
		d["group"] = e.Group
	}
	if e.Event == UserCreated {
		d["loggedIn"] = e.LoggedIn
	}
	return d
}

func (e *UserEvent) Accept(v Visitor) (bool, error) { return v.VisitUser(e) }

// PortEvent reports a listening service port change.
type PortEvent struct {
	Envelope
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	Service  string `json:"service,omitempty"`
	Process  string `json:"process,omitempty"`
}

func (e *PortEvent) normalize() {
	e.Protocol = strings.ToLower(strings.TrimSpace(e.Protocol))
	if e.Protocol == "" {
		e.Protocol = "tcp"
	}
}

func (e *PortEvent) Validate() error {
	switch e.Event {
	case PortOpened, PortClosed:
	case PortServiceChanged:
		if e.Service == "" {
			return invalid(e.Event, "service is required")
		}
	default:
		return invalid(e.Event, "not a port event")
	}
	if e.Port < 1 || e.Port > 65535 {
		return invalid(e.Event, "port %d out of range", e.Port)
	}
	if e.Protocol != "tcp" && e.Protocol != "udp" {
		return invalid(e.Event, "protocol must be tcp or udp, got %q", e.Protocol)
	}
	return nil
}

func (e *PortEvent) Message() string {
	switch e.Event {
	case PortOpened:
		if e.Service != "" {
			return fmt.Sprintf("Port %d/%s opened (%s)", e.Port, e.Protocol, e.Service)
		}
		return fmt.Sprintf("Port %d/%s opened", e.Port, e.Protocol)
	case PortClosed:
		return fmt.Sprintf("Port %d/%s closed", e.Port, e.Protocol)
	default:
		return fmt.Sprintf("Port %d/%s service changed to %s", e.Port, e.Protocol, e.Service)
	}
}

func (e *PortEvent) Details() map[string]any {
	d := e.details()
	d["port"] = e.Port
	d["protocol"] = e.Protocol
	if e.Service != "" {
		d["service"] = e.Service
	}
	if e.Process != "" {
		d["process"] = e.Process
	}
	return d
}

func (e *PortEvent) Accept(v Visitor) (bool, error) { return v.VisitPort(e) }
