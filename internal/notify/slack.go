// Package notify raises operator-facing alerts for the conditions spec
// section 7 calls out as requiring human inspection: retry exhaustion and
// fatal programmer errors inside queue workers.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Alerter posts operator alerts to a configured Slack channel. With no
// token configured it logs only, the same "log only" fallback the
// commitfest Poster uses for COMMITFEST_POST_URL.
type Alerter struct {
	client  *slack.Client
	channel string
	logger  *zap.SugaredLogger
}

// New creates an Alerter. An empty token means "log only".
func New(token, channel string, logger *zap.SugaredLogger) *Alerter {
	var client *slack.Client
	if token != "" {
		client = slack.New(token)
	}
	return &Alerter{client: client, channel: channel, logger: logger}
}

// RetryExhausted alerts that a work_queue row has been moved to FAIL after
// exhausting its retry budget (spec section 7, "Retry exhaustion ...
// operator inspection required").
func (a *Alerter) RetryExhausted(ctx context.Context, jobType, key string) {
	a.post(ctx, fmt.Sprintf(":warning: job `%s` key `%s` exhausted its retry budget and is now FAIL", jobType, key))
}

// FatalError alerts that a worker is about to exit on an unexpected error
// (spec section 7, "Fatal programmer error ... re-raise to exit the
// worker").
func (a *Alerter) FatalError(ctx context.Context, jobType, key string, err error) {
	a.post(ctx, fmt.Sprintf(":rotating_light: worker exiting on job `%s` key `%s`: %s", jobType, key, err))
}

func (a *Alerter) post(ctx context.Context, text string) {
	if a.client == nil {
		a.logger.Infow("slack alert (no SLACK_TOKEN configured, logging only)", "text", text)
		return
	}
	if _, _, err := a.client.PostMessageContext(ctx, a.channel, slack.MsgOptionText(text, false)); err != nil {
		a.logger.Errorw("slack alert failed", "err", err, "text", text)
	}
}
