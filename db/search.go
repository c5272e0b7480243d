package db

import (
	"context"
	"strings"
)

// SearchResult represents a search result
type SearchResult struct {
	Message           *Message `json:"message"`
	ConversationTitle string   `json:"conversationTitle"`
	Snippet           string   `json:"snippet"`
}

const snippetRadius = 32

// SearchMessages finds messages whose content contains query, ignoring
// ASCII case. Newest messages come first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	const op = "search messages"
	results := []*SearchResult{}
	if strings.TrimSpace(query) == "" {
		return results, nil
	}

	conn, err := s.db.Conn()
	if err != nil {
		return nil, err
	}

	limit, _ = normalizePage(limit, 0, DefaultConversationLimit)
	rows, err := conn.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.timestamp, m.provider, m.model, c.title
		FROM messages m
		JOIN conversations c ON m.conversation_id = c.id
		WHERE m.content LIKE ? ESCAPE '\'
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?
	`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SearchResult
		msg, err := scanMessageWithTitle(rows, &r.ConversationTitle)
		if err != nil {
			return nil, storageError(op, err)
		}
		r.Message = msg
		r.Snippet = snippet(msg.Content, query, snippetRadius)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}

	return results, nil
}

func scanMessageWithTitle(row scanner, title *string) (*Message, error) {
	return scanMessage(rowWithExtra{row: row, extra: title})
}

// rowWithExtra appends one destination to every Scan call.
type rowWithExtra struct {
	row   scanner
	extra any
}

func (r rowWithExtra) Scan(dest ...any) error {
	return r.row.Scan(append(dest, r.extra)...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns the part of content around the first match of query with
// the match wrapped in <mark> tags.
func snippet(content, query string, radius int) string {
	text := []rune(content)
	lower := []rune(strings.ToLower(content))
	needle := []rune(strings.ToLower(query))

	idx := runeIndex(lower, needle)
	if idx < 0 || len(lower) != len(text) {
		if len(text) > 2*radius {
			return string(text[:2*radius]) + "..."
		}
		return content
	}

	start := max(idx-radius, 0)
	end := min(idx+len(needle)+radius, len(text))

	var sb strings.Builder
	if start > 0 {
		sb.WriteString("...")
	}
	sb.WriteString(string(text[start:idx]))
	sb.WriteString("<mark>")
	sb.WriteString(string(text[idx : idx+len(needle)]))
	sb.WriteString("</mark>")
	sb.WriteString(string(text[idx+len(needle) : end]))
	if end < len(text) {
		sb.WriteString("...")
	}
	return sb.String()
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
