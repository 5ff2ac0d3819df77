package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/slack-go/slack"

	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

type slackProvider struct {
	stub   bool
	client *http.Client
}

func newSlackProvider(cfg SlackConfig) Provider {
	return &slackProvider{
		stub:   cfg.Stub,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *slackProvider) Name() string { return "slack" }

func (s *slackProvider) Send(ctx context.Context, msg Message) error {
	if s.stub {
		level.Info(log.Logger).Log("msg", "slack send stubbed", "channel", msg.Channel, "title", msg.Title)
		return nil
	}

	payload := &slack.WebhookMessage{
		Channel: msg.Channel,
		Text:    fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, msg.Recipient, s.client, payload)
	if err != nil {
		return classifySlackError(err)
	}
	return nil
}

// classifySlackError retries 429 and server errors; any other 4xx means the
// webhook itself is bad and retrying cannot help.
func classifySlackError(err error) error {
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		if sc.Code == http.StatusTooManyRequests || sc.Code >= 500 {
			return verrors.E(verrors.Transient, err)
		}
		return verrors.E(verrors.PermanentProvider, err)
	}
	return verrors.E(verrors.Transient, err)
}
