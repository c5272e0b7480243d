package service

import (
	"context"
	"time"

	"llm-chat-relay/utils"
)

// Retention periodically deletes conversations older than the configured
// number of days.
type Retention struct {
	conversations *ConversationService
	days          int
	interval      time.Duration
	logger        *utils.Logger
}

// NewRetention creates a retention worker. An interval <= 0 means hourly.
func NewRetention(conversations *ConversationService, days int, interval time.Duration, logger *utils.Logger) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		conversations: conversations,
		days:          days,
		interval:      interval,
		logger:        logger,
	}
}

// Start runs the worker in the background until ctx is cancelled. It does
// nothing when retention is disabled.
func (r *Retention) Start(ctx context.Context) {
	if r.days <= 0 {
		r.logger.Info("conversation retention disabled")
		return
	}
	utils.SafeGo(r.logger, "retention", func() { r.Run(ctx) })
}

// Run sweeps once immediately and then on every tick.
func (r *Retention) Run(ctx context.Context) {
	r.logger.Info("conversation retention started", "retention_days", r.days, "interval", r.interval)
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("conversation retention stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	if _, err := r.conversations.DeleteOldConversations(ctx, r.days); err != nil && ctx.Err() == nil {
		r.logger.LogError(err, "retention sweep failed")
	}
}
