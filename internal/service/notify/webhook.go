package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier delivers fire notifications to an HTTP webhook. The
// receiving bot gateway routes the message to the destination channel.
type WebhookNotifier struct {
	client *resty.Client
	log    *logger.Logger
}

type webhookPayload struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

func NewWebhookNotifier(baseURL string, timeout time.Duration, authToken string, log *logger.Logger) *WebhookNotifier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if authToken != "" {
		client.SetAuthToken(authToken)
	}
	return &WebhookNotifier{client: client, log: log}
}

// Send posts one notification. Any transport or non-2xx outcome comes
// back as a DispatchError so the caller's retry policy applies.
func (n *WebhookNotifier) Send(ctx context.Context, dest models.Destination, text string) error {
	payload := webhookPayload{
		ChannelID: strconv.FormatUint(dest.ChannelID, 10),
		Content:   text,
	}
	if dest.GuildID != 0 {
		payload.GuildID = strconv.FormatUint(dest.GuildID, 10)
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/notify")
	if err != nil {
		return &models.DispatchError{Err: err}
	}
	if resp.IsError() {
		return &models.DispatchError{
			Err: fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), resp.Body()),
		}
	}

	n.log.Debug("notification delivered",
		logger.String("channel_id", payload.ChannelID),
		logger.Int("status", resp.StatusCode()))
	return nil
}
