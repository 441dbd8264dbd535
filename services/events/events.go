// Package events defines the closed set of telemetry events a beacon can
// report. Every variant implements Event; code that reacts to events does so
// through a Visitor, so a new variant does not compile until every visitor
// handles it.
package events

import (
	"errors"
	"sort"
)

// Kind is the discriminant carried in the "event" field of every payload.
type Kind string

const (
	FileAccessed   Kind = "fileAccessed"
	FileCreated    Kind = "fileCreated"
	FileDeleted    Kind = "fileDeleted"
	FilePermission Kind = "filePermission"

	Config  Kind = "config"
	Kernel  Kind = "kernel"
	RegEdit Kind = "regEdit"

	InterfaceUp       Kind = "interfaceUp"
	InterfaceDown     Kind = "interfaceDown"
	InterfaceCreated  Kind = "interfaceCreated"
	InterfaceDeleted  Kind = "interfaceDeleted"
	InterfaceIPChange Kind = "interfaceIpChange"

	ProcessCreated Kind = "processCreated"
	ProcessEnded   Kind = "processEnded"

	UserCreated     Kind = "userCreated"
	UserDeleted     Kind = "userDeleted"
	UserLoggedIn    Kind = "userLoggedIn"
	UserLoggedOut   Kind = "userLoggedOut"
	UserGroupChange Kind = "userGroupChange"

	PortOpened         Kind = "portOpened"
	PortClosed         Kind = "portClosed"
	PortServiceChanged Kind = "portServiceChanged"
)

// ErrInvalidEvent wraps every decoding and validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a decoded, validated beacon event.
type Event interface {
	Kind() Kind
	// Validate checks the variant's required fields for its kind.
	Validate() error
	// Message is the human readable summary stored with the log entry.
	Message() string
	// Details are the event-specific fields stored with the log entry.
	Details() map[string]any
	// Accept dispatches the event to the matching Visitor method.
	Accept(v Visitor) (bool, error)

	normalize()
}

// Visitor handles each event variant. Implementations report whether the
// event changed state and any error that rejects it.
type Visitor interface {
	VisitFile(*FileEvent) (bool, error)
	VisitConfig(*ConfigEvent) (bool, error)
	VisitKernel(*KernelEvent) (bool, error)
	VisitRegistry(*RegistryEvent) (bool, error)
	VisitInterface(*InterfaceEvent) (bool, error)
	VisitProcess(*ProcessEvent) (bool, error)
	VisitUser(*UserEvent) (bool, error)
	VisitPort(*PortEvent) (bool, error)
}

// Envelope holds the fields shared by every event.
type Envelope struct {
	Event       Kind   `json:"event"`
	User        string `json:"user,omitempty"`
	Description string `json:"description,omitempty"`
}

// Kind returns the event discriminant.
func (e Envelope) Kind() Kind { return e.Event }

func (e Envelope) details() map[string]any {
	d := make(map[string]any, 4)
	if e.User != "" {
		d["user"] = e.User
	}
	if e.Description != "" {
		d["description"] = e.Description
	}
	return d
}

var variants = map[Kind]func() Event{
	FileAccessed:   func() Event { return &FileEvent{} },
	FileCreated:    func() Event { return &FileEvent{} },
	FileDeleted:    func() Event { return &FileEvent{} },
	FilePermission: func() Event { return &FileEvent{} },

	Config:  func() Event { return &ConfigEvent{} },
	Kernel:  func() Event { return &KernelEvent{} },
	RegEdit: func() Event { return &RegistryEvent{} },

	InterfaceUp:       func() Event { return &InterfaceEvent{} },
	InterfaceDown:     func() Event { return &InterfaceEvent{} },
	InterfaceCreated:  func() Event { return &InterfaceEvent{} },
	InterfaceDeleted:  func() Event { return &InterfaceEvent{} },
	InterfaceIPChange: func() Event { return &InterfaceEvent{} },

	ProcessCreated: func() Event { return &ProcessEvent{} },
	ProcessEnded:   func() Event { return &ProcessEvent{} },

	UserCreated:     func() Event { return &UserEvent{} },
	UserDeleted:     func() Event { return &UserEvent{} },
	UserLoggedIn:    func() Event { return &UserEvent{} },
	UserLoggedOut:   func() Event { return &UserEvent{} },
	UserGroupChange: func() Event { return &UserEvent{} },

	PortOpened:         func() Event { return &PortEvent{} },
	PortClosed:         func() Event { return &PortEvent{} },
	PortServiceChanged: func() Event { return &PortEvent{} },
}

// Kinds returns every known kind in lexical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(variants))
	for k := range variants {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether k is part of the taxonomy.
func Known(k Kind) bool {
	_, ok := variants[k]
	return ok
}
