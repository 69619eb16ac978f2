package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxReasonLength bounds the free-text reason stored with an infraction.
const MaxReasonLength = 512

// ValidateReason trims and length-checks a moderator supplied reason.
func ValidateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return "", fmt.Errorf("reason must be at most %d characters", MaxReasonLength)
	}
	return reason, nil
}
