// Package extractor pulls values out of sample responses with JSON paths or
// regular expressions, so that later iterations of the same thread can use
// them as variables.
package extractor

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Extractor defines one extraction rule for a response body.
type Extractor struct {
	// JSONPath is a JSON path expression (e.g., "$.user.id", "user.id")
	JSONPath string
	// Regex is a regex pattern with optional capture group
	Regex string
	// Variable is the variable name to store the extracted value
	Variable string
	// OnError, if true, extracts even from failed samples
	OnError bool

	re *regexp.Regexp
}

// Parse reads a rule of the form "name=path" for a JSON path or
// "name=~pattern" for a regular expression.
func Parse(rule string) (Extractor, error) {
	name, expr, ok := strings.Cut(rule, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || expr == "" {
		return Extractor{}, fmt.Errorf("invalid extractor %q (expected name=path or name=~regex)", rule)
	}
	if pattern, isRegex := strings.CutPrefix(expr, "~"); isRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Extractor{}, fmt.Errorf("extractor %q: %w", name, err)
		}
		return Extractor{Regex: pattern, Variable: name, re: re}, nil
	}
	return Extractor{JSONPath: strings.TrimSpace(expr), Variable: name}, nil
}

// ParseAll parses every rule and sets OnError on each.
func ParseAll(rules []string, onError bool) ([]Extractor, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	out := make([]Extractor, 0, len(rules))
	for _, rule := range rules {
		ex, err := Parse(rule)
		if err != nil {
			return nil, err
		}
		ex.OnError = onError
		out = append(out, ex)
	}
	return out, nil
}

// Applies reports whether the rule runs for a sample with the given outcome.
func (e Extractor) Applies(successful bool) bool {
	return successful || e.OnError
}

// ExtractAll applies all extractors to the response body and returns extracted key-value pairs.
// Failed extractions yield an empty value and a debug log; log may be nil.
func ExtractAll(body []byte, extractors []Extractor, log *zap.Logger) map[string]string {
	result := make(map[string]string)
	if len(extractors) == 0 {
		return result
	}
	if log == nil {
		log = zap.NewNop()
	}

	for _, extractor := range extractors {
		var value string
		if extractor.JSONPath != "" {
			value = findJSONPath(body, extractor.JSONPath, log)
		} else if extractor.Regex != "" {
			re := extractor.re
			if re == nil {
				var err error
				if re, err = regexp.Compile(extractor.Regex); err != nil {
					log.Warn("invalid regex pattern", zap.String("pattern", extractor.Regex), zap.Error(err))
					result[extractor.Variable] = ""
					continue
				}
			}
			value = findRegex(body, re, log)
		}
		result[extractor.Variable] = value
	}

	return result
}
