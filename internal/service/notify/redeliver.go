package notify

import (
	"context"

	"LevelWatch/internal/domain/models"
	drepo "LevelWatch/internal/domain/repository"
	"LevelWatch/pkg/logger"
	"LevelWatch/pkg/queue"
)

// RedeliverJob drains the notification dead letter queue. The queue's
// own retry policy applies on top, so a webhook outage does not lose
// messages as long as redis holds them.
type RedeliverJob struct {
	notifier drepo.Notifier
	log      *logger.Logger
}

func NewRedeliverJob(notifier drepo.Notifier, log *logger.Logger) *RedeliverJob {
	return &RedeliverJob{notifier: notifier, log: log}
}

func (j *RedeliverJob) Name() string { return "notification redelivery" }

func (j *RedeliverJob) Type() string { return models.MsgTypeNotifyRedeliver }

func (j *RedeliverJob) Handle(ctx context.Context, payload interface{}) error {
	msg, err := queue.ParsePayload[models.UndeliveredNotification](payload)
	if err != nil {
		return err
	}
	dest := models.Destination{GuildID: msg.GuildID, ChannelID: msg.ChannelID}
	if err := j.notifier.Send(ctx, dest, msg.Text); err != nil {
		return err
	}
	j.log.Info("abandoned notification redelivered",
		logger.Uint64("channel_id", msg.ChannelID))
	return nil
}
