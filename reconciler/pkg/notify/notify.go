package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
)

// Multi fans a run result out to several notifiers and joins their errors.
type Multi []reconciler.Notifier

var _ reconciler.Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, res *reconciler.Result) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Summary is a one-line description of a run.
func Summary(res *reconciler.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s for %s", res.Outcome, res.RunID, res.TableID)
	if res.Reason != "" {
		fmt.Fprintf(&b, " (%s)", res.Reason)
	}
	if res.Committed() {
		fmt.Fprintf(&b, ": snapshot %s, %d rows", res.SnapshotVersion, res.SnapshotRows)
	}
	return b.String()
}

func shouldNotify(res *reconciler.Result, onSuccess bool) bool {
	return res.Outcome == reconciler.OutcomeAborted || res.AckFailed || onSuccess
}
