package services

import (
	"time"

	"peercall/internal/core/domain"
)

// NoopCallMetrics discards everything. It is the router default.
type NoopCallMetrics struct{}

func (NoopCallMetrics) PresenceChanged(int)                             {}
func (NoopCallMetrics) SessionStarted()                                 {}
func (NoopCallMetrics) SessionActive(time.Duration)                     {}
func (NoopCallMetrics) SessionEnded(domain.HangupReason, time.Duration) {}
func (NoopCallMetrics) CallRejected(domain.HangupReason)                {}
func (NoopCallMetrics) EventHandled(string, error)                      {}
func (NoopCallMetrics) DeliveryDropped(string)                          {}
