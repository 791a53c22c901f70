package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jdziat/docpipe/pkg/core"
)

// Rule maps any of its lowercase substrings, found in an error message, to Kind.
type Rule struct {
	Kind    core.ErrorKind
	Phrases []string
}

// DefaultRules are checked in order after typed inspection fails.
var DefaultRules = []Rule{
	{Kind: core.KindInvalidInput, Phrases: []string{
		"malformed", "unsupported format", "unsupported file type", "invalid input",
		"missing required field", "invalid url",
	}},
	{Kind: core.KindGated, Phrases: []string{
		"paywall", "subscription required", "login required", "sign in to continue",
		"captcha", "status 401", "status 403", "401 unauthorized", "403 forbidden",
	}},
	{Kind: core.KindPermanent, Phrases: []string{
		"not implemented", "status 404", "404 not found", "status 410", "no such file",
	}},
	{Kind: core.KindTransient, Phrases: []string{
		"timeout", "timed out", "rate limit", "too many requests", "status 429",
		"status 500", "status 502", "status 503", "status 504", "bad gateway",
		"service unavailable", "temporarily unavailable", "connection reset",
		"connection refused", "try again",
	}},
}

// Classifier maps errors to an ErrorKind.
type Classifier struct {
	rules       []Rule
	defaultKind core.ErrorKind
}

// NewClassifier creates a classifier using DefaultRules followed by extra.
// Unmatched errors are classified as transient; the retry cap bounds them.
func NewClassifier(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules...)
	return &Classifier{rules: rules, defaultKind: core.KindTransient}
}

var defaultClassifier = NewClassifier()

// Classify maps err using the default classifier.
func Classify(err error) core.ErrorKind {
	return defaultClassifier.Classify(err)
}

// Classify maps err to a kind. A nil error has no kind.
func (c *Classifier) Classify(err error) core.ErrorKind {
	if err == nil {
		return ""
	}

	var classified *core.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		return core.KindTransient
	}

	if kind, ok := classifyTyped(err); ok {
		return kind
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		for _, phrase := range rule.Phrases {
			if strings.Contains(msg, phrase) {
				return rule.Kind
			}
		}
	}
	return c.defaultKind
}

func classifyTyped(err error) (core.ErrorKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.KindTransient, true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return core.KindTransient, true
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return core.KindTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.KindTransient, true
	}

	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		return core.KindInvalidInput, true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return core.KindInvalidInput, true
	}

	if errors.Is(err, core.ErrCheckpointCorrupted) {
		return core.KindPermanent, true
	}
	return "", false
}
