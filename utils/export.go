package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"llm-chat-relay/db"
)

// ExportFormat represents the export format
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatMarkdown ExportFormat = "markdown"
)

// ParseExportFormat maps a user supplied format name to an ExportFormat.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == FormatMarkdown {
		return "text/markdown; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

// ConversationExport represents a conversation export structure
type ConversationExport struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []MessageExport   `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MessageExport represents a message export structure
type MessageExport struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewConversationExport converts a stored conversation to its export form.
func NewConversationExport(conv *db.ConversationWithMessages) ConversationExport {
	export := ConversationExport{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: time.UnixMilli(conv.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(conv.UpdatedAt).UTC(),
		Messages:  make([]MessageExport, 0, len(conv.Messages)),
		Metadata: map[string]string{
			"export_version": "1.0",
			"export_date":    time.Now().UTC().Format(time.RFC3339),
			"app_name":       "LLM Chat Relay",
		},
	}

	for _, msg := range conv.Messages {
		export.Messages = append(export.Messages, MessageExport{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Provider:  msg.Provider,
			Model:     msg.Model,
			CreatedAt: time.UnixMilli(msg.Timestamp).UTC(),
		})
	}
	return export
}

// Export writes conv to w in the given format.
func Export(w io.Writer, conv *db.ConversationWithMessages, format ExportFormat) error {
	if format == FormatMarkdown {
		return ExportMarkdown(w, conv)
	}
	return ExportJSON(w, conv)
}

// ExportJSON writes a single conversation as indented JSON
func ExportJSON(w io.Writer, conv *db.ConversationWithMessages) error {
	data, err := json.MarshalIndent(NewConversationExport(conv), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// ExportMarkdown writes a single conversation as Markdown
func ExportMarkdown(w io.Writer, conv *db.ConversationWithMessages) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s\n\n", conv.Title))
	sb.WriteString(fmt.Sprintf("**Created**: %s\n", time.UnixMilli(conv.CreatedAt).UTC().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("**Updated**: %s\n\n", time.UnixMilli(conv.UpdatedAt).UTC().Format("2006-01-02 15:04:05")))
	sb.WriteString("---\n\n")

	for i, msg := range conv.Messages {
		roleName := "User"
		switch msg.Role {
		case db.RoleAssistant:
			roleName = "Assistant"
		case db.RoleSystem:
			roleName = "System"
		}
		sb.WriteString(fmt.Sprintf("## %s\n\n", roleName))

		if msg.Provider != "" || msg.Model != "" {
			sb.WriteString(fmt.Sprintf("*%s - %s*\n\n", msg.Provider, msg.Model))
		}

		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")

		// Separator (except for last message)
		if i < len(conv.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// GenerateExportFilename generates a filename for export
func GenerateExportFilename(title string, format ExportFormat, now time.Time) string {
	// Sanitize title for filename
	sanitized := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			return '_'
		}
		return r
	}, title)

	if runes := []rune(sanitized); len(runes) > 50 {
		sanitized = string(runes[:50])
	}
	if strings.TrimSpace(sanitized) == "" {
		sanitized = "conversation"
	}

	ext := string(format)
	if format == FormatMarkdown {
		ext = "md"
	}

	return fmt.Sprintf("%s_%s.%s", sanitized, now.Format("20060102_150405"), ext)
}
