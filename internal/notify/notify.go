// Package notify posts an operational alert to Slack when a generation
// exhausts its restart budget and remains permanently failed.
package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
	"github.com/rs/zerolog"
)

// Notifier posts permanent-failure alerts to a configured Slack channel.
// A Notifier with an empty webhook URL is a no-op; optional collaborators
// disable quietly rather than panic.
type Notifier struct {
	webhookURL string
	channel    string
	log        zerolog.Logger
}

// New constructs a Notifier. webhookURL empty disables alerting entirely.
func New(webhookURL, channel string, log zerolog.Logger) *Notifier {
	return &Notifier{webhookURL: webhookURL, channel: channel, log: log.With().Str("component", "notify").Logger()}
}

// IsEnabled reports whether this Notifier will actually post to Slack.
func (n *Notifier) IsEnabled() bool {
	return n.webhookURL != ""
}

// NotifyPermanentFailure posts a one-line alert that an analysis has
// exhausted MAX_RESTARTS and will not be retried again.
func (n *Notifier) NotifyPermanentFailure(analysisID, deploymentName, detail string) {
	if !n.IsEnabled() {
		n.log.Debug().Str("analysis_id", analysisID).Msg("slack notifier disabled, skipping permanent-failure alert")
		return
	}

	text := fmt.Sprintf(":rotating_light: analysis %s (%s) permanently failed after exhausting its restart budget\n%s",
		analysisID, deploymentName, detail)

	msg := goslack.WebhookMessage{Channel: n.channel, Text: text}
	if err := goslack.PostWebhook(n.webhookURL, &msg); err != nil {
		n.log.Error().Err(err).Str("analysis_id", analysisID).Msg("post slack alert")
	}
}
