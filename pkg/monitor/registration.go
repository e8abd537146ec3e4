package monitor

import (
	"github.com/ajaxrace/ajaxrace/pkg/listener"
)

// RegistrationMonitorID is the dispatcher id of the RegistrationMonitor.
const RegistrationMonitorID = "registration-monitor"

// RegistrationMonitor collects the user event listeners a page registers.
type RegistrationMonitor struct {
	Base
	listeners []*listener.UserEventListener
}

// NewRegistrationMonitor creates an empty monitor.
func NewRegistrationMonitor() *RegistrationMonitor {
	return &RegistrationMonitor{}
}

func (m *RegistrationMonitor) ID() string { return RegistrationMonitorID }

func (m *RegistrationMonitor) OnRegisterEventListener(reg *Registration) {
	if reg.IsPromise() || !listener.IsUserEventType(reg.Target, reg.Type) {
		return
	}
	m.listeners = append(m.listeners, listener.New(reg.Target, reg.Type, reg.Handler, reg.Options))
}

// Listeners returns the collected listeners in registration order.
func (m *RegistrationMonitor) Listeners() []*listener.UserEventListener {
	return append([]*listener.UserEventListener(nil), m.listeners...)
}
