package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/leafy/internal/audit"
	"github.com/basket/leafy/internal/bus"
)

// maintenanceTaskPrefix marks task ids submitted by the maintenance
// scheduler; their failures are already recorded from the sweep event.
const maintenanceTaskPrefix = "maintenance-"

// auditEvents copies maintenance outcomes and failed background tasks from
// the bus into the audit trail until the returned stop func is called.
func auditEvents(b *bus.Bus, log *audit.Log, logger *slog.Logger) (stop func()) {
	subs := []*bus.Subscription{
		b.Subscribe("maintenance."),
		b.Subscribe(bus.TopicTaskFailed),
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range sub.Ch() {
				recordEvent(log, logger, ev)
			}
		}()
	}
	return func() {
		for _, sub := range subs {
			b.Unsubscribe(sub)
		}
		wg.Wait()
	}
}

func recordEvent(log *audit.Log, logger *slog.Logger, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.SweepEvent:
		var err error
		detail := fmt.Sprintf("removed=%d", p.Removed)
		if p.Failed {
			err = errors.New(p.Detail)
		} else if p.Detail != "" {
			detail += " " + p.Detail
		}
		log.Record("maintenance."+p.Job, "", detail, err)
	case bus.TaskStateChangedEvent:
		if strings.HasPrefix(p.TaskID, maintenanceTaskPrefix) {
			return
		}
		log.Record("task.failed", p.TaskID, "", errors.New(p.Error))
	default:
		logger.Debug("unhandled bus event", "topic", ev.Topic)
	}
}
