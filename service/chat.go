package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/utils"
)

// ErrInvalidRequest is returned for chat requests missing required fields.
var ErrInvalidRequest = errors.New("invalid chat request")

const (
	titleMaxRunes       = 50
	defaultHistoryLimit = 100
)

// ChatRequest is a single user turn sent through the relay.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Content        string `json:"content"`
	// System is prepended to the provider history. It is not stored.
	System string `json:"system"`
}

// ChatResult is the outcome of a relayed turn. The message fields are nil
// when persistence is disabled.
type ChatResult struct {
	ConversationID   string      `json:"conversationId,omitempty"`
	Reply            string      `json:"reply"`
	Provider         string      `json:"provider"`
	Model            string      `json:"model"`
	UserMessage      *db.Message `json:"userMessage,omitempty"`
	AssistantMessage *db.Message `json:"assistantMessage,omitempty"`
}

// ChatService relays user messages to providers and records the exchange.
type ChatService struct {
	providers     *llm.Registry
	conversations *ConversationService
	redactor      *utils.Redactor
	historyLimit  int
	logger        *utils.Logger
}

// ChatOptions configures NewChatService.
type ChatOptions struct {
	// Conversations enables persistence. Nil relays without storing anything.
	Conversations *ConversationService
	// Redactor masks sensitive values in outgoing text. Nil disables masking.
	Redactor *utils.Redactor
	// HistoryLimit caps the stored messages sent as context.
	HistoryLimit int
}

// NewChatService creates a new chat relay service
func NewChatService(providers *llm.Registry, logger *utils.Logger, opts ChatOptions) *ChatService {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &ChatService{
		providers:     providers,
		conversations: opts.Conversations,
		redactor:      opts.Redactor,
		historyLimit:  limit,
		logger:        logger,
	}
}

// PersistenceEnabled reports whether exchanges are stored.
func (s *ChatService) PersistenceEnabled() bool {
	return s.conversations != nil
}

// Send relays req to its provider. With persistence enabled it creates the
// conversation when needed, stores the user message before the call and the
// reply after it.
func (s *ChatService) Send(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if req.Provider == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := provider.ValidateConfig(); err != nil {
		if !errors.Is(err, llm.ErrNotConfigured) {
			err = fmt.Errorf("%w: %w", llm.ErrNotConfigured, err)
		}
		return nil, err
	}

	result := &ChatResult{Provider: req.Provider}
	var history []llm.Message

	if s.conversations != nil {
		conversationID, err := s.ensureConversation(ctx, req)
		if err != nil {
			return nil, err
		}
		result.ConversationID = conversationID

		result.UserMessage, err = s.conversations.SaveMessage(ctx, db.NewMessage{
			ConversationID: conversationID,
			Role:           db.RoleUser,
			Content:        req.Content,
		})
		if err != nil {
			return nil, err
		}

		history, err = s.loadHistory(ctx, conversationID)
		if err != nil {
			return nil, err
		}
	} else {
		history = []llm.Message{{Role: db.RoleUser, Content: req.Content}}
	}

	if req.System != "" {
		history = append([]llm.Message{{Role: db.RoleSystem, Content: req.System}}, history...)
	}

	session := s.redactor.Session()
	for i := range history {
		history[i].Content = session.Redact(history[i].Content)
	}
	if n := session.Count(); n > 0 {
		s.logger.Debug("masked sensitive values", "count", n, "provider", req.Provider)
	}

	reply, model, err := s.providers.Chat(ctx, req.Provider, req.Model, history)
	if err != nil {
		return nil, err
	}
	result.Reply = session.Restore(reply)
	result.Model = model

	if s.conversations != nil {
		result.AssistantMessage, err = s.conversations.SaveMessage(ctx, db.NewMessage{
			ConversationID: result.ConversationID,
			Role:           db.RoleAssistant,
			Content:        result.Reply,
			Provider:       req.Provider,
			Model:          model,
		})
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (s *ChatService) ensureConversation(ctx context.Context, req ChatRequest) (string, error) {
	if req.ConversationID != "" {
		return req.ConversationID, nil
	}
	conv, err := s.conversations.CreateConversation(ctx, TitleFromContent(req.Content))
	if err != nil {
		return "", err
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "provider", req.Provider)
	return conv.ID, nil
}

// loadHistory returns the newest historyLimit messages in chronological order.
func (s *ChatService) loadHistory(ctx context.Context, conversationID string) ([]llm.Message, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, db.ErrNotFound
	}

	msgs := conv.Messages
	if len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}

	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// TitleFromContent derives a conversation title from the first message: the
// first 50 characters with whitespace collapsed.
func TitleFromContent(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = strings.TrimSpace(string([]rune(title)[:titleMaxRunes]))
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}
