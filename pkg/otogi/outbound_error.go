package otogi

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// OutboundOperation names the platform call that failed.
type OutboundOperation string

// Outbound operations reported in OutboundError.
const (
	OutboundOperationSendMessage  OutboundOperation = "send_message"
	OutboundOperationSendTyping   OutboundOperation = "send_typing"
	OutboundOperationFetchHistory OutboundOperation = "fetch_history"
)

// OutboundErrorKind classifies an outbound failure for retry decisions.
type OutboundErrorKind string

// Outbound failure classes. Only rate-limited and temporary failures are
// retryable.
const (
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	OutboundErrorKindTemporary   OutboundErrorKind = "temporary"
	OutboundErrorKindPermanent   OutboundErrorKind = "permanent"
	OutboundErrorKindUnknown     OutboundErrorKind = "unknown"
)

// OutboundError is the platform-neutral form of a failed outbound call.
// Drivers fill what they know; zero fields are omitted from Error.
type OutboundError struct {
	Operation  OutboundOperation
	Kind       OutboundErrorKind
	Platform   Platform
	RetryAfter time.Duration
	Code       int
	Type       string
	Cause      error
}

func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var fields []string
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, key+"="+value)
		}
	}
	add("operation", string(e.Operation))
	add("kind", string(e.Kind))
	add("platform", string(e.Platform))
	if e.RetryAfter > 0 {
		add("retry_after", e.RetryAfter.String())
	}
	if e.Code != 0 {
		add("code", strconv.Itoa(e.Code))
	}
	add("type", e.Type)

	var b strings.Builder
	b.WriteString("outbound error")
	if len(fields) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(fields, " "))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the same call may succeed later.
func (e *OutboundError) Retryable() bool {
	return e != nil && (e.Kind == OutboundErrorKindRateLimited || e.Kind == OutboundErrorKindTemporary)
}

// AsOutboundError finds the first OutboundError in err's chain.
func AsOutboundError(err error) (*OutboundError, bool) {
	var outboundErr *OutboundError
	if errors.As(err, &outboundErr) && outboundErr != nil {
		return outboundErr, true
	}

	return nil, false
}

// AsOutboundRateLimit reports whether err is rate-limited, with the platform's
// retry hint. A zero duration with ok true means no hint was given.
func AsOutboundRateLimit(err error) (retryAfter time.Duration, ok bool) {
	outboundErr, found := AsOutboundError(err)
	if !found || outboundErr.Kind != OutboundErrorKindRateLimited {
		return 0, false
	}

	return outboundErr.RetryAfter, true
}
