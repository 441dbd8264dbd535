package events

// UrgencyPolicy decides whether an event's log entry is flagged urgent.
type UrgencyPolicy func(Event) bool

var urgentKinds = map[Kind]bool{
	FileDeleted:     true,
	FilePermission:  true,
	Kernel:          true,
	RegEdit:         true,
	UserCreated:     true,
	UserDeleted:     true,
	UserGroupChange: true,
	PortOpened:      true,
}

// StaticUrgency flags events by kind alone.
func StaticUrgency(ev Event) bool {
	if ev == nil {
		return false
	}
	return urgentKinds[ev.Kind()]
}
