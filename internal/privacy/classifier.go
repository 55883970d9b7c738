// Package privacy gates every export of discovered patterns through
// sensitivity classification, redaction, k-anonymity and differential privacy.
package privacy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/mnemo/internal/model"
)

//go:embed rules.yaml
var embeddedRules []byte

// Rule is one content classification rule.
type Rule struct {
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes and compiles a YAML rule file.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range f.Rules {
		re, err := regexp.Compile(f.Rules[i].Regex)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", f.Rules[i].ID, err)
		}
		f.Rules[i].compiled = re
	}
	return f.Rules, nil
}

// Finding is the result of classifying a pattern.
type Finding struct {
	Sensitive bool
	// Matches names the terms and rule ids that fired, sorted.
	Matches []string
}

// Classifier flags patterns that touch sensitive topics or carry personal data.
type Classifier struct {
	terms []string
	rules []Rule
}

// NewClassifier builds a classifier from sensitive terms and the embedded rules.
func NewClassifier(terms []string) (*Classifier, error) {
	rules, err := ParseRules(embeddedRules)
	if err != nil {
		return nil, err
	}
	return NewClassifierWithRules(terms, rules), nil
}

// NewClassifierWithRules builds a classifier from explicit rules.
func NewClassifierWithRules(terms []string, rules []Rule) *Classifier {
	c := &Classifier{rules: rules}
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			c.terms = append(c.terms, t)
		}
	}
	return c
}

// Classify inspects a pattern's feature labels and representative text.
func (c *Classifier) Classify(p *model.PatternCluster) Finding {
	texts := make([]string, 0, len(p.FeatureSummary)+1)
	for label := range p.FeatureSummary {
		texts = append(texts, label)
	}
	if p.Representative != "" {
		texts = append(texts, p.Representative)
	}
	return c.ClassifyText(texts...)
}

// ClassifyText inspects free text.
func (c *Classifier) ClassifyText(texts ...string) Finding {
	hits := make(map[string]bool)
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, term := range c.terms {
			if strings.Contains(lower, term) {
				hits["term:"+term] = true
			}
		}
		for _, r := range c.rules {
			if r.compiled != nil && r.compiled.MatchString(text) {
				hits["rule:"+r.ID] = true
			}
		}
	}
	f := Finding{Sensitive: len(hits) > 0}
	for h := range hits {
		f.Matches = append(f.Matches, h)
	}
	sort.Strings(f.Matches)
	return f
}
