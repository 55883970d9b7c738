package llm

import (
	"fmt"
	"strings"
)

// maxPromptContent bounds how much record content is sent per prompt.
const maxPromptContent = 4000

// SummaryPrompt asks for a generalized, durable restatement of an episodic
// memory. The reply must drop names, dates and identifiers.
func SummaryPrompt(content string, tags []string) string {
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent]
	}
	tagLine := "none"
	if len(tags) > 0 {
		tagLine = strings.Join(tags, ", ")
	}
	return fmt.Sprintf(`Rewrite the following memory as one or two sentences of general, reusable knowledge.

MEMORY:
%s

TAGS: %s

Rules:
- Keep the lesson, drop the specifics
- Remove personal names, dates, numbers, emails and identifiers
- Do not add facts that are not in the memory
- Return ONLY the rewritten text, no preamble`, content, tagLine)
}
