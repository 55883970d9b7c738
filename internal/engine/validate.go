package engine

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/lazypower/mnemo/internal/model"
)

const (
	maxContentChars = 40000
	maxTagChars     = 64
	maxTags         = 32

	defaultImportance = 5.0
	initialStrength   = 1.0
)

var validate = validator.New()

// validTagChar returns true if the character is allowed in a tag.
// Allowed: lowercase alphanumeric, hyphens, underscores, colons, slashes.
func validTagChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == ':' || r == '/'
}

// sanitizeTag normalizes a tag to its allowed character set.
// Uppercases become lowercase, spaces/dots become hyphens, invalid chars are dropped.
// Returns empty string if the result is empty after sanitization.
func sanitizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(tag) {
		if validTagChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' {
			// Collapse separators to single hyphen
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	result := strings.Trim(b.String(), "-_:/")
	if len(result) > maxTagChars {
		result = result[:maxTagChars]
	}
	return result
}

// validateInteraction checks a raw interaction and returns a sanitized copy.
// dims > 0 requires a supplied embedding to have exactly that length.
func validateInteraction(in model.Interaction, dims int) (model.Interaction, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validate.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	if len(in.Embedding) > 0 && dims > 0 && len(in.Embedding) != dims {
		return in, fmt.Errorf("%w: embedding has %d dimensions, want %d", model.ErrInvalid, len(in.Embedding), dims)
	}

	if len(in.Content) > maxContentChars {
		in.Content = truncateClean(in.Content, maxContentChars)
	}

	var tags []string
	for _, t := range in.Tags {
		if t = sanitizeTag(t); t != "" {
			tags = append(tags, t)
		}
	}
	tags = model.NormalizeTags(tags)
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	in.Tags = tags
	return in, nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	// Back up to last space
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
