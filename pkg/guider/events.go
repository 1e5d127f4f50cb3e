package guider

import "time"

// EventType names a status event.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventCalibrationStep    EventType = "calibration_step"
	EventCalibrationDone    EventType = "calibration_done"
	EventCalibrationFailed  EventType = "calibration_failed"
	EventHandoff            EventType = "handoff"
	EventGuideCycleFailed   EventType = "guide_cycle_failed"
	EventValidationReported EventType = "validation"
)

// Event is an informational status update.
type Event struct {
	Type    EventType      `json:"type"`
	Device  string         `json:"device,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// EventSink receives status events. Publish must not block the caller for
// long and its failures are not reported back.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func orNop(sink EventSink) EventSink {
	if sink == nil {
		return nopSink{}
	}
	return sink
}

func publish(sink EventSink, typ EventType, device, message string, fields map[string]any) {
	sink.Publish(Event{
		Type:    typ,
		Device:  device,
		Message: message,
		Fields:  fields,
		Time:    time.Now(),
	})
}
