package notify

import (
	"context"
	"errors"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
)

// Sentry reports aborted runs as exceptions on a hub.
type Sentry struct {
	hub *sentry.Hub
}

var _ reconciler.Notifier = (*Sentry)(nil)

// NewSentry reports to hub, or to the current hub when hub is nil.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (s *Sentry) Notify(ctx context.Context, res *reconciler.Result) error {
	if res.Outcome != reconciler.OutcomeAborted {
		return nil
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("table_id", res.TableID)
		scope.SetTag("run_id", res.RunID)
		scope.SetTag("trigger", string(res.Trigger))
		scope.SetTag("reason", res.Reason)
		scope.SetContext("run", sentry.Context{
			"started_at":     res.StartedAt,
			"finished_at":    res.FinishedAt,
			"cdc_rows_read":  res.CDC.Read,
			"violation_keys": res.ViolationKeys,
		})
		scope.SetFingerprint([]string{"reconciler", res.TableID, res.Reason})
		s.hub.CaptureException(errors.New(Summary(res) + ": " + res.Error))
	})
	return nil
}
