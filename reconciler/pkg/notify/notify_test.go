package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

func abortedResult() *reconciler.Result {
	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	return &reconciler.Result{
		RunID:         "run-1",
		TableID:       "customers",
		Trigger:       reconciler.TriggerSchedule,
		StartedAt:     start,
		FinishedAt:    start.Add(1500 * time.Millisecond),
		Outcome:       reconciler.OutcomeAborted,
		Reason:        "invariant_violation:insert_collision",
		Error:         "invariant violation insert_collision for 1 keys: C-1",
		ViolationKeys: []string{"C-1"},
	}
}

func mergedResult() *reconciler.Result {
	res := abortedResult()
	res.Outcome = reconciler.OutcomeMerged
	res.Reason, res.Error, res.ViolationKeys = "", "", nil
	res.SnapshotVersion = "0b6f0c0e-7d43-4d8e-9a57-d6a4b1c2e3f4"
	res.SnapshotRows = 42
	return res
}

type webhook struct {
	mu       sync.Mutex
	messages []slack.WebhookMessage
	status   int
}

func (w *webhook) received() []slack.WebhookMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]slack.WebhookMessage(nil), w.messages...)
}

func newWebhook(t *testing.T) (*webhook, *httptest.Server) {
	w := &webhook{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var msg slack.WebhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.messages = append(w.messages, msg)
		status := w.status
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return w, srv
}

func TestReconciler_Notify_Slack(t *testing.T) {
	t.Parallel()

	t.Run("posts aborted runs", func(t *testing.T) {
		t.Parallel()
		hook, srv := newWebhook(t)
		n, err := NewSlack(SlackConfig{Logger: laketesting.NewLogger(), WebhookURL: srv.URL, Channel: "#data-alerts"})
		require.NoError(t, err)

		require.NoError(t, n.Notify(t.Context(), abortedResult()))
		require.NoError(t, n.Notify(t.Context(), mergedResult()))

		messages := hook.received()
		require.Len(t, messages, 1)
		msg := messages[0]
		assert.Equal(t, "#data-alerts", msg.Channel)
		assert.Contains(t, msg.Text, "aborted run run-1 for customers")
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "danger", msg.Attachments[0].Color)
	})

	t.Run("posts successful runs when enabled", func(t *testing.T) {
		t.Parallel()
		hook, srv := newWebhook(t)
		n, err := NewSlack(SlackConfig{Logger: laketesting.NewLogger(), WebhookURL: srv.URL, OnSuccess: true})
		require.NoError(t, err)

		require.NoError(t, n.Notify(t.Context(), mergedResult()))
		messages := hook.received()
		require.Len(t, messages, 1)
		assert.Contains(t, messages[0].Text, "snapshot 0b6f0c0e-7d43-4d8e-9a57-d6a4b1c2e3f4, 42 rows")
		assert.Equal(t, "good", messages[0].Attachments[0].Color)
	})

	t.Run("posts committed runs with an acknowledgement failure", func(t *testing.T) {
		t.Parallel()
		hook, srv := newWebhook(t)
		n, err := NewSlack(SlackConfig{Logger: laketesting.NewLogger(), WebhookURL: srv.URL})
		require.NoError(t, err)

		res := mergedResult()
		res.AckFailed = true
		res.Error = "failed to acknowledge cdc batch: access denied"
		require.NoError(t, n.Notify(t.Context(), res))
		messages := hook.received()
		require.Len(t, messages, 1)
		assert.Equal(t, "warning", messages[0].Attachments[0].Color)
	})

	t.Run("webhook errors are returned", func(t *testing.T) {
		t.Parallel()
		hook, srv := newWebhook(t)
		hook.mu.Lock()
		hook.status = http.StatusInternalServerError
		hook.mu.Unlock()
		n, err := NewSlack(SlackConfig{Logger: laketesting.NewLogger(), WebhookURL: srv.URL})
		require.NoError(t, err)

		require.Error(t, n.Notify(t.Context(), abortedResult()))
	})

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		_, err := NewSlack(SlackConfig{Logger: laketesting.NewLogger()})
		require.Error(t, err)
	})
}

func TestReconciler_Notify_Sentry(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	n := NewSentry(sentry.NewHub(client, sentry.NewScope()))

	require.NoError(t, n.Notify(t.Context(), mergedResult()))
	require.NoError(t, n.Notify(t.Context(), abortedResult()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "customers", events[0].Tags["table_id"])
	assert.Equal(t, "invariant_violation:insert_collision", events[0].Tags["reason"])
	assert.Equal(t, []string{"reconciler", "customers", "invariant_violation:insert_collision"}, events[0].Fingerprint)
}

type failing struct{ err error }

func (f failing) Notify(ctx context.Context, res *reconciler.Result) error { return f.err }

func TestReconciler_Notify_Multi(t *testing.T) {
	t.Parallel()
	errA, errB := errors.New("a"), errors.New("b")
	err := Multi{failing{errA}, failing{nil}, failing{errB}}.Notify(t.Context(), abortedResult())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.NoError(t, Multi{}.Notify(context.Background(), abortedResult()))
}
