// Package ingest reads interactions from JSONL files. Each line is either a
// plain interaction object or a chat transcript entry of the form
// {"type": "...", "message": {"role": "...", "content": ...}}.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/lazypower/mnemo/internal/model"
)

const (
	maxLineBytes  = 1024 * 1024
	minTextLength = 5
)

// line is the union of both accepted line shapes.
type line struct {
	// Interaction shape
	Content    string            `json:"content"`
	Embedding  []float64         `json:"embedding"`
	Importance float64           `json:"importance"`
	Tags       []string          `json:"tags"`
	Source     string            `json:"source"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt time.Time         `json:"occurred_at"`

	// Transcript shape
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// LineError is a line that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// Result is the outcome of parsing a stream.
type Result struct {
	Interactions []model.Interaction
	// Skipped counts lines with nothing worth storing.
	Skipped int
	Errors  []LineError
}

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// Parse reads JSONL from r. Malformed lines are collected in Result.Errors
// and do not stop the scan. defaultSource tags interactions without one.
func Parse(r io.Reader, defaultSource string) (Result, error) {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	n := 0
	for scanner.Scan() {
		n++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		in, ok, err := parseLine([]byte(raw))
		if err != nil {
			res.Errors = append(res.Errors, LineError{Line: n, Err: err})
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		if in.Source == "" {
			in.Source = defaultSource
		}
		res.Interactions = append(res.Interactions, in)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan interactions: %w", err)
	}
	return res, nil
}

// ParseString parses JSONL held in memory.
func ParseString(s, defaultSource string) (Result, error) {
	return Parse(strings.NewReader(s), defaultSource)
}

func parseLine(raw []byte) (model.Interaction, bool, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return model.Interaction{}, false, err
	}

	if l.Message != nil {
		return fromTranscript(l)
	}
	if strings.TrimSpace(l.Content) == "" && len(l.Embedding) == 0 {
		return model.Interaction{}, false, nil
	}
	return model.Interaction{
		Content:    l.Content,
		Embedding:  l.Embedding,
		Importance: l.Importance,
		Tags:       l.Tags,
		Source:     l.Source,
		Attributes: l.Attributes,
		OccurredAt: l.OccurredAt,
	}, true, nil
}

// fromTranscript keeps the plain text of user and assistant turns. Tool
// blocks and system reminders are dropped.
func fromTranscript(l line) (model.Interaction, bool, error) {
	if l.Type != "user" && l.Type != "assistant" {
		return model.Interaction{}, false, nil
	}
	var msg message
	if err := json.Unmarshal(l.Message, &msg); err != nil {
		return model.Interaction{}, false, err
	}

	text := extractText(msg.Content)
	text = systemReminderRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if len(text) < minTextLength || strings.HasPrefix(text, "{") {
		return model.Interaction{}, false, nil
	}

	role := msg.Role
	if role == "" {
		role = l.Type
	}
	return model.Interaction{
		Content:    text,
		Tags:       []string{"role:" + role},
		Attributes: map[string]string{"role": role},
		OccurredAt: l.Timestamp,
	}, true, nil
}

// extractText handles the polymorphic content field.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}
