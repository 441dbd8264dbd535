package ingest

import (
	"context"
	"fmt"

	"netlock/services/events"
	"netlock/services/targets"
)

// applier turns each event variant into the matching target mutation.
type applier struct {
	ctx    context.Context
	target *targets.Target
}

var _ events.Visitor = (*applier)(nil)

func (a *applier) VisitFile(*events.FileEvent) (bool, error)         { return false, nil }
func (a *applier) VisitConfig(*events.ConfigEvent) (bool, error)     { return false, nil }
func (a *applier) VisitKernel(*events.KernelEvent) (bool, error)     { return false, nil }
func (a *applier) VisitRegistry(*events.RegistryEvent) (bool, error) { return false, nil }

func (a *applier) VisitInterface(e *events.InterfaceEvent) (bool, error) {
	switch e.Kind() {
	case events.InterfaceUp:
		return a.target.UpdateInterfaceState(a.ctx, e.MAC, "up")
	case events.InterfaceDown:
		return a.target.UpdateInterfaceState(a.ctx, e.MAC, "down")
	case events.InterfaceCreated:
		return a.target.AddInterface(a.ctx, e.MAC, e.IP, e.State)
	case events.InterfaceDeleted:
		return a.target.RemoveInterface(a.ctx, e.MAC)
	case events.InterfaceIPChange:
		return a.target.UpdateInterfaceIP(a.ctx, e.MAC, e.IP, e.Subnet, e.IPVersion())
	}
	return false, unhandled(e)
}

func (a *applier) VisitProcess(e *events.ProcessEvent) (bool, error) {
	p := targets.Process{Name: e.Name, PID: string(e.PID)}
	switch e.Kind() {
	case events.ProcessCreated:
		return a.target.ProcessCreated(a.ctx, p, e.Version)
	case events.ProcessEnded:
		return a.target.ProcessEnded(a.ctx, p)
	}
	return false, unhandled(e)
}

func (a *applier) VisitUser(e *events.UserEvent) (bool, error) {
	switch e.Kind() {
	case events.UserCreated:
		return a.target.AddUser(a.ctx, e.Name, e.LoggedIn)
	case events.UserDeleted:
		return a.target.RemoveUser(a.ctx, e.Name)
	case events.UserLoggedIn, events.UserLoggedOut:
		loggedIn := e.Kind() == events.UserLoggedIn
		return a.target.UpdateUser(a.ctx, e.Name, targets.UserUpdate{LoggedIn: &loggedIn})
	case events.UserGroupChange:
		// Group membership is not part of the snapshot.
		return false, nil
	}
	return false, unhandled(e)
}

func (a *applier) VisitPort(e *events.PortEvent) (bool, error) {
	switch e.Kind() {
	case events.PortOpened:
		return a.target.OpenPort(a.ctx, targets.Port{
			Port:     e.Port,
			Protocol: e.Protocol,
			Service:  e.Service,
			Process:  e.Process,
		})
	case events.PortClosed:
		return a.target.ClosePort(a.ctx, e.Port, e.Protocol)
	case events.PortServiceChanged:
		return a.target.UpdatePortService(a.ctx, e.Port, e.Protocol, e.Service)
	}
	return false, unhandled(e)
}

func unhandled(e events.Event) error {
	return fmt.Errorf("%w: no mutation for %s", events.ErrInvalidEvent, e.Kind())
}
