package monitor

import "github.com/sirupsen/logrus"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as warning log lines.
type LogSink struct{}

func (LogSink) Send(message string) error {
	logrus.WithField("component", "alert").Warn(message)
	return nil
}
