package chatbot

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

var ErrInvalidRule = errors.New("invalid keyword rule")

// DefaultRules parses the table compiled into the binary.
func DefaultRules() ([]Rule, error) {
	return ParseRules(embeddedRules)
}

// LoadRules reads a YAML rule table from path, or the embedded table when path is empty.
func LoadRules(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML list of rules, keeping file order and lowercasing keywords.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: table is empty", ErrInvalidRule)
	}
	for i := range rules {
		if strings.TrimSpace(rules[i].Answer) == "" {
			return nil, fmt.Errorf("%w: rule %d has no answer", ErrInvalidRule, i+1)
		}
		if len(rules[i].Keywords) == 0 {
			return nil, fmt.Errorf("%w: rule %d has no keywords", ErrInvalidRule, i+1)
		}
		for j, keyword := range rules[i].Keywords {
			// An empty keyword would match every question.
			if keyword == "" {
				return nil, fmt.Errorf("%w: rule %d keyword %d is empty", ErrInvalidRule, i+1, j+1)
			}
			rules[i].Keywords[j] = strings.ToLower(keyword)
		}
	}
	return rules, nil
}
