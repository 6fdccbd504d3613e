// Package chatbot answers free-text questions from an ordered keyword table.
package chatbot

import (
	"strings"
)

// Fallback is returned when no rule matches.
const Fallback = "I don't have an answer for that yet. 🤖\n\nPlease try searching on Google, ChatGPT, or Gemini."

// Rule maps a set of keywords to a canned answer.
type Rule struct {
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

// Responder scans its rules in order and answers with the first rule that has
// a keyword contained in the lowercased question. It never mutates its table.
type Responder struct {
	rules []Rule
}

// NewResponder copies rules and lowercases their keywords, since questions are
// lowercased before matching.
func NewResponder(rules []Rule) *Responder {
	copied := make([]Rule, len(rules))
	for i, rule := range rules {
		keywords := make([]string, len(rule.Keywords))
		for j, keyword := range rule.Keywords {
			keywords[j] = strings.ToLower(keyword)
		}
		copied[i] = Rule{Keywords: keywords, Answer: rule.Answer}
	}
	return &Responder{rules: copied}
}

// Respond returns the matching answer or Fallback.
func (r *Responder) Respond(query string) string {
	if rule, ok := r.Match(query); ok {
		return rule.Answer
	}
	return Fallback
}

// Match reports the first rule whose keyword is a substring of the lowercased query.
// Matching is plain substring containment, so a keyword like "." matches any query
// containing a period.
func (r *Responder) Match(query string) (Rule, bool) {
	q := strings.ToLower(query)
	for _, rule := range r.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(q, keyword) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

func (r *Responder) Rules() []Rule {
	return NewResponder(r.rules).rules
}
