package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// Channel overrides the webhook's default channel when set.
	Channel    string
	OnSuccess  bool
	HTTPClient *http.Client
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Slack posts run results to an incoming webhook.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

var _ reconciler.Notifier = (*Slack)(nil)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) Notify(ctx context.Context, res *reconciler.Result) error {
	if !shouldNotify(res, s.cfg.OnSuccess) {
		return nil
	}
	msg := SlackMessage(res)
	msg.Channel = s.cfg.Channel
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify: posted slack message", "run_id", res.RunID, "outcome", res.Outcome)
	return nil
}

// SlackMessage renders a run result as a webhook message.
func SlackMessage(res *reconciler.Result) *slack.WebhookMessage {
	color := "good"
	switch res.Outcome {
	case reconciler.OutcomeAborted:
		color = "danger"
	case reconciler.OutcomeNoop:
		color = "#999999"
	}
	if res.AckFailed && res.Outcome != reconciler.OutcomeAborted {
		color = "warning"
	}

	fields := []slack.AttachmentField{
		{Title: "Table", Value: res.TableID, Short: true},
		{Title: "Trigger", Value: string(res.Trigger), Short: true},
		{Title: "Duration", Value: res.Duration().Round(time.Millisecond).String(), Short: true},
	}
	if res.Reason != "" {
		fields = append(fields, slack.AttachmentField{Title: "Reason", Value: res.Reason, Short: true})
	}
	if res.Error != "" {
		fields = append(fields, slack.AttachmentField{Title: "Error", Value: "```" + res.Error + "```"})
	}
	if len(res.ViolationKeys) > 0 {
		keys := res.ViolationKeys
		if len(keys) > 20 {
			keys = append(keys[:20:20], "...")
		}
		fields = append(fields, slack.AttachmentField{Title: "Keys", Value: strings.Join(keys, ", ")})
	}
	if res.Committed() {
		fields = append(fields,
			slack.AttachmentField{Title: "Snapshot", Value: res.SnapshotVersion, Short: true},
			slack.AttachmentField{Title: "Rows", Value: strconv.Itoa(res.SnapshotRows), Short: true},
		)
	}
	if res.CDC.Read > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "CDC rows",
			Value: fmt.Sprintf("%d read, %d dropped, %d resolved", res.CDC.Read, res.CDC.TotalDropped(), res.Dedup.Output),
			Short: true,
		})
	}

	return &slack.WebhookMessage{
		Text: Summary(res),
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
			Ts:     json.Number(strconv.FormatInt(res.FinishedAt.Unix(), 10)),
		}},
	}
}
