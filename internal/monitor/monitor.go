package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/events"
)

var log = logrus.WithField("component", "monitor")

// Monitor turns bus events that need a human into alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

// Start subscribes and delivers alerts until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(50, events.EventAuditReport, events.EventResync)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if text, alert := formatAlert(msg); alert {
					if err := m.Sink.Send(text); err != nil {
						log.WithError(err).Error("alert delivery failed")
					}
				}
			}
		}
	}()
}

// Alerter is implemented by payloads that may warrant an alert.
type Alerter interface {
	Alert() (string, bool)
}

func formatAlert(msg events.Message) (string, bool) {
	a, ok := msg.Payload.(Alerter)
	if !ok {
		return "", false
	}
	text, alert := a.Alert()
	if !alert {
		return "", false
	}
	return fmt.Sprintf("[%s] %s: %s", time.Now().Format(time.RFC3339), msg.Event, text), true
}
