package collaboration

import (
	"github.com/developer-mesh/gridsync/pkg/observability"
)

// Status is a coarse, observational engine status.
type Status string

const (
	StatusUpdating    Status = "updating"
	StatusReady       Status = "ready"
	StatusSaving      Status = "saving"
	StatusSaved       Status = "saved"
	StatusSaveError   Status = "save-error"
	StatusUpdateError Status = "update-error"
)

// StatusSink receives status changes. It is called on the engine loop and
// must not block.
type StatusSink interface {
	SetStatus(Status)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(Status)

// SetStatus calls f.
func (f StatusFunc) SetStatus(s Status) { f(s) }

// LoggingStatusSink logs every status change.
type LoggingStatusSink struct {
	Logger observability.Logger
}

// SetStatus logs s.
func (l LoggingStatusSink) SetStatus(s Status) {
	if s == StatusSaveError || s == StatusUpdateError {
		l.Logger.Warn("Status changed", map[string]interface{}{"status": string(s)})
		return
	}
	l.Logger.Debug("Status changed", map[string]interface{}{"status": string(s)})
}

// SendState is the state of the send queue.
type SendState int

const (
	SendIdle SendState = iota
	SendSending
	SendStalled
)

func (s SendState) String() string {
	switch s {
	case SendSending:
		return "sending"
	case SendStalled:
		return "stalled"
	default:
		return "idle"
	}
}
