package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/config"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/store"
	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/toolqueue"
)

// QueueSink turns verified collaborator deliveries into queued
// search_global jobs so the next chat turn on that mailbox or number finds
// warm context. It shares the chat path's queue, caps, and worker budget;
// a saturated queue drops the pre-warm and relies on webhook redelivery.
type QueueSink struct {
	queue  *toolqueue.Queue
	cfg    func() *config.Config
	logger *slog.Logger
}

func NewQueueSink(q *toolqueue.Queue, cfg func() *config.Config, logger *slog.Logger) *QueueSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueSink{queue: q, cfg: cfg, logger: logger}
}

func (s *QueueSink) HandleGmail(ctx context.Context, n GmailNotification) error {
	args, err := json.Marshal(map[string]interface{}{
		"query": n.EmailAddress,
		"scope": "gmail",
	})
	if err != nil {
		return fmt.Errorf("encode gmail prewarm args: %w", err)
	}
	return s.enqueue(ctx, string(args), "gmail", n.EmailAddress)
}

func (s *QueueSink) HandleWhatsApp(ctx context.Context, d WhatsAppDelivery) error {
	args, err := json.Marshal(map[string]interface{}{
		"query": d.EntryID,
		"scope": "whatsapp",
	})
	if err != nil {
		return fmt.Errorf("encode whatsapp prewarm args: %w", err)
	}
	return s.enqueue(ctx, string(args), "whatsapp", d.EntryID)
}

func (s *QueueSink) enqueue(ctx context.Context, args, channel, subject string) error {
	cfg := s.cfg()
	job, err := s.queue.Enqueue(ctx, store.JobSourceChatAction, config.ToolSearchGlobal, args, cfg.ToolQueue)
	if err != nil {
		if toolqueue.IsQueueSaturated(err) {
			s.logger.Warn("context prewarm dropped, queue saturated", "channel", channel, "subject", subject)
			return nil
		}
		return fmt.Errorf("enqueue %s prewarm: %w", channel, err)
	}
	s.logger.Info("context prewarm queued", "channel", channel, "subject", subject, "jobId", job.ID)
	return nil
}
