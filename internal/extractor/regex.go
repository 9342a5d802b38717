package extractor

import (
	"regexp"

	"go.uber.org/zap"
)

// findRegex returns the first capture group of re in body, or the full
// match when re has no group. It returns "" without a match.
func findRegex(body []byte, re *regexp.Regexp, log *zap.Logger) string {
	match := re.FindSubmatch(body)
	if match == nil {
		log.Debug("regex pattern not found", zap.String("pattern", re.String()))
		return ""
	}

	if len(match) > 1 {
		return string(match[1])
	}
	return string(match[0])
}
