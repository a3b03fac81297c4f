// Package notify raises operator alerts for conditions the engine cannot
// resolve on its own.
package notify

import (
	logger "github.com/sirupsen/logrus"
)

// Level grades how urgently an operator should look.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is one alertable condition.
type Event struct {
	Level   Level
	Kind    string
	OrderID string
	Message string
	Fields  map[string]interface{}
}

// Notifier delivers events to whoever is on call.
type Notifier interface {
	Notify(event Event)
}

// LogNotifier writes events to the structured log. It is the default sink;
// a paging integration satisfies the same interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(event Event) {
	entry := logger.WithFields(map[string]interface{}{
		"component": "Notifier",
		"kind":      event.Kind,
		"order_id":  event.OrderID,
	})
	for k, v := range event.Fields {
		entry = entry.WithField(k, v)
	}

	switch event.Level {
	case LevelCritical:
		entry.Error(event.Message)
	case LevelWarning:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
}

// Recorder captures events in memory for tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Notify(event Event) {
	r.Events = append(r.Events, event)
}
