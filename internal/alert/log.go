package alert

import (
	"context"
	"log"
)

// LogNotifier writes alerts to the process log
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	log.Printf("[Alerts] %s (%s): %s", a.Title, a.Severity, a.Message)
	return nil
}

var _ Notifier = LogNotifier{}
