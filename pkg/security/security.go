// Package security provides validation, sanitization, and limits for the docpipe packages.
package security

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/docpipe/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobTypeLength is the maximum length for job type names
	MaxJobTypeLength = 255

	// MaxStageNameLength is the maximum length for stage names
	MaxStageNameLength = 128

	// MaxInputSize is the maximum size in bytes for job input data (1MB)
	MaxInputSize = 1 << 20

	// MaxAttempts is the hard limit for retry attempts
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxEngineWeight caps engine confidence multipliers
	MaxEngineWeight = 10.0
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobType validates a job type name
func ValidateJobType(name string) error {
	if name == "" {
		return core.ErrInvalidJobType
	}
	if len(name) > MaxJobTypeLength {
		return core.ErrJobTypeTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidJobType
	}
	return nil
}

// ValidateStageName validates a pipeline stage name
func ValidateStageName(name string) error {
	if name == "" || len(name) > MaxStageNameLength || !validName.MatchString(name) {
		return core.ErrInvalidStageName
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures an attempt count is within limits
func ClampAttempts(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampWeight keeps an engine weight within [0, MaxEngineWeight]; NaN becomes 0.
func ClampWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	if w > MaxEngineWeight {
		return MaxEngineWeight
	}
	return w
}
