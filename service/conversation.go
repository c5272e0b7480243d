package service

import (
	"context"
	"time"

	"llm-chat-relay/db"
	"llm-chat-relay/utils"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// ConversationService is the application-facing entry point for
// conversation and message operations. It delegates to a db.Repository.
type ConversationService struct {
	repo   db.Repository
	now    func() time.Time
	logger *utils.Logger
}

// Option configures a ConversationService.
type Option func(*ConversationService)

// WithClock overrides the time source used to compute retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationService) {
		s.now = now
	}
}

// NewConversationService creates a new conversation service
func NewConversationService(repo db.Repository, logger *utils.Logger, opts ...Option) *ConversationService {
	s := &ConversationService{
		repo:   repo,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ConversationService) CreateConversation(ctx context.Context, title string) (*db.Conversation, error) {
	return s.repo.CreateConversation(ctx, title)
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *ConversationService) GetConversation(ctx context.Context, id string) (*db.ConversationWithMessages, error) {
	return s.repo.GetConversation(ctx, id)
}

func (s *ConversationService) ListConversations(ctx context.Context, limit, offset int) ([]*db.Conversation, error) {
	return s.repo.ListConversations(ctx, limit, offset)
}

func (s *ConversationService) UpdateConversationTitle(ctx context.Context, id, title string) error {
	return s.repo.UpdateConversationTitle(ctx, id, title)
}

func (s *ConversationService) DeleteConversation(ctx context.Context, id string) error {
	return s.repo.DeleteConversation(ctx, id)
}

func (s *ConversationService) GetConversationCount(ctx context.Context) (int64, error) {
	return s.repo.GetConversationCount(ctx)
}

// DeleteOldConversations removes conversations not updated within the last
// retentionDays days. A value <= 0 disables retention and deletes nothing.
func (s *ConversationService) DeleteOldConversations(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UnixMilli() - int64(retentionDays)*dayMs
	deleted, err := s.repo.DeleteOldConversations(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		s.logger.Info("deleted old conversations", "count", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

func (s *ConversationService) BranchConversation(ctx context.Context, sourceID string, upToMs int64, newTitle string) (*db.ConversationWithMessages, error) {
	branch, err := s.repo.BranchConversation(ctx, sourceID, upToMs, newTitle)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("conversation branched",
		"source_id", sourceID,
		"branch_id", branch.ID,
		"messages", len(branch.Messages),
	)
	return branch, nil
}

func (s *ConversationService) SaveMessage(ctx context.Context, m db.NewMessage) (*db.Message, error) {
	return s.repo.SaveMessage(ctx, m)
}

func (s *ConversationService) GetMessage(ctx context.Context, id int64) (*db.Message, error) {
	return s.repo.GetMessage(ctx, id)
}

func (s *ConversationService) GetMessages(ctx context.Context, conversationID string, limit int) ([]*db.Message, error) {
	return s.repo.GetMessages(ctx, conversationID, limit)
}

func (s *ConversationService) DeleteMessage(ctx context.Context, id int64) error {
	return s.repo.DeleteMessage(ctx, id)
}

func (s *ConversationService) SearchMessages(ctx context.Context, query string, limit int) ([]*db.SearchResult, error) {
	return s.repo.SearchMessages(ctx, query, limit)
}

// Usage aggregates assistant messages of the last days days; days <= 0 means
// all time.
func (s *ConversationService) Usage(ctx context.Context, days int) (*db.UsageStats, error) {
	var since int64
	if days > 0 {
		since = s.now().UnixMilli() - int64(days)*dayMs
	}
	return s.repo.Usage(ctx, since)
}
