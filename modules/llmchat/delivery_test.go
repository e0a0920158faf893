package llmchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"otogi-agent/pkg/otogi"
)

func TestSplitReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "blank", text: "  \n ", limit: 10, want: nil},
		{name: "fits", text: "short", limit: 10, want: []string{"short"}},
		{name: "exact limit", text: "abcdefghij", limit: 10, want: []string{"abcdefghij"}},
		{name: "breaks at newline", text: "line one\nline two", limit: 10, want: []string{"line one", "line two"}},
		{name: "breaks at space", text: "hello world again", limit: 10, want: []string{"hello", "world", "again"}},
		{name: "hard cut without separators", text: "abcdefghijklmno", limit: 10, want: []string{"abcdefghij", "klmno"}},
		{name: "counts runes", text: strings.Repeat("é", 11), limit: 10, want: []string{strings.Repeat("é", 10), "é"}},
		{name: "separator in first half ignored", text: "ab cdefghijklm", limit: 10, want: []string{"ab cdefghi", "jklm"}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got := splitReply(testCase.text, testCase.limit)
			if !equalStrings(got, testCase.want) {
				t.Fatalf("splitReply = %q, want %q", got, testCase.want)
			}
			for _, part := range got {
				if runes := len([]rune(part)); runes > testCase.limit {
					t.Fatalf("part %q has %d runes, want <= %d", part, runes, testCase.limit)
				}
			}
		})
	}
}

func TestSendWithRetry(t *testing.T) {
	t.Parallel()

	temporary := &otogi.OutboundError{
		Operation: otogi.OutboundOperationSendMessage,
		Kind:      otogi.OutboundErrorKindTemporary,
	}
	rateLimited := &otogi.OutboundError{
		Operation:  otogi.OutboundOperationSendMessage,
		Kind:       otogi.OutboundErrorKindRateLimited,
		RetryAfter: time.Millisecond,
	}
	permanent := &otogi.OutboundError{
		Operation: otogi.OutboundOperationSendMessage,
		Kind:      otogi.OutboundErrorKindPermanent,
	}

	tests := []struct {
		name             string
		errs             []error
		wantAttempts     int
		wantErrSubstring string
	}{
		{name: "first attempt succeeds", wantAttempts: 1},
		{name: "temporary then success", errs: []error{temporary}, wantAttempts: 2},
		{name: "rate limited then success", errs: []error{rateLimited, rateLimited}, wantAttempts: 3},
		{
			name:             "permanent stops immediately",
			errs:             []error{permanent},
			wantAttempts:     1,
			wantErrSubstring: "send message after 1 attempts",
		},
		{
			name:             "invalid request stops immediately",
			errs:             []error{fmt.Errorf("%w: empty text", otogi.ErrInvalidOutboundRequest)},
			wantAttempts:     1,
			wantErrSubstring: "empty text",
		},
		{
			name:             "unclassified error stops immediately",
			errs:             []error{errors.New("boom")},
			wantAttempts:     1,
			wantErrSubstring: "boom",
		},
		{
			name:             "attempts exhausted",
			errs:             []error{temporary, temporary, temporary, temporary, temporary, temporary},
			wantAttempts:     sendRetryMaxAttempts,
			wantErrSubstring: fmt.Sprintf("send message after %d attempts", sendRetryMaxAttempts),
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := newTestModule(t, testConfig())
			sender := &senderStub{log: &callLog{}, errs: testCase.errs}
			module.sender = sender

			sent, err := module.sendWithRetry(context.Background(), otogi.SendMessageRequest{
				Conversation: otogi.Conversation{ID: "chat-1"},
				Text:         "hello",
			})
			if got := len(sender.snapshot()); got != testCase.wantAttempts {
				t.Fatalf("attempts = %d, want %d", got, testCase.wantAttempts)
			}
			if testCase.wantErrSubstring != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("sendWithRetry failed: %v", err)
			}
			if sent == nil || sent.ID != "900" {
				t.Fatalf("sent = %+v, want id 900", sent)
			}
		})
	}
}

func TestSendWithRetryStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	module := newTestModule(t, testConfig())
	module.newSendBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
	temporary := &otogi.OutboundError{Kind: otogi.OutboundErrorKindTemporary}
	module.sender = &senderStub{log: &callLog{}, errs: []error{temporary, temporary}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := module.sendWithRetry(ctx, otogi.SendMessageRequest{
		Conversation: otogi.Conversation{ID: "chat-1"},
		Text:         "hello",
	}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestRetryAfterBackOff(t *testing.T) {
	t.Parallel()

	policy := &retryAfterBackOff{BackOff: backoff.NewConstantBackOff(10 * time.Millisecond)}
	if got := policy.NextBackOff(); got != 10*time.Millisecond {
		t.Fatalf("delay without hint = %s, want 10ms", got)
	}

	policy.hint = time.Second
	if got := policy.NextBackOff(); got != time.Second {
		t.Fatalf("delay with hint = %s, want 1s", got)
	}
	if got := policy.NextBackOff(); got != 10*time.Millisecond {
		t.Fatalf("delay after hint consumed = %s, want 10ms", got)
	}

	stopped := &retryAfterBackOff{BackOff: &backoff.StopBackOff{}, hint: time.Second}
	if got := stopped.NextBackOff(); got != backoff.Stop {
		t.Fatalf("stopped delay = %s, want backoff.Stop", got)
	}
}

func TestDeliverReplyChainsParts(t *testing.T) {
	t.Parallel()

	fixture := newFixture()
	module := newTestModule(t, testConfig())
	module.typing = fixture.typing
	module.sender = fixture.sender

	record := testRecord("5", otogi.ConversationTypeGroup, "otogi go")
	text := strings.Repeat("x", maxMessageRunes) + strings.Repeat("y", maxMessageRunes) + "z"

	parts, err := module.deliverReply(context.Background(), record, text)
	if err != nil {
		t.Fatalf("deliverReply failed: %v", err)
	}
	if parts != 3 {
		t.Fatalf("parts = %d, want 3", parts)
	}

	want := []string{"pause", "send", "resume", "pause", "send", "resume", "pause", "send"}
	if got := fixture.log.snapshot(); !equalStrings(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}

	sent := fixture.sender.snapshot()
	wantReplyTo := []string{"5", "900", "901"}
	for index, request := range sent {
		if request.ReplyToMessageID != wantReplyTo[index] {
			t.Fatalf("part %d reply to = %q, want %q", index, request.ReplyToMessageID, wantReplyTo[index])
		}
	}
}

func TestDeliverReplyStopsAtFailedPart(t *testing.T) {
	t.Parallel()

	fixture := newFixture()
	fixture.sender.errs = []error{nil, &otogi.OutboundError{Kind: otogi.OutboundErrorKindPermanent}}
	module := newTestModule(t, testConfig())
	module.typing = fixture.typing
	module.sender = fixture.sender

	text := strings.Repeat("x", maxMessageRunes) + strings.Repeat("y", maxMessageRunes) + "z"
	parts, err := module.deliverReply(context.Background(), testRecord("5", otogi.ConversationTypeGroup, "go"), text)
	if err == nil || !strings.Contains(err.Error(), "deliver part 2/3") {
		t.Fatalf("error = %v, want deliver part 2/3", err)
	}
	if parts != 1 {
		t.Fatalf("delivered parts = %d, want 1", parts)
	}
	if got := len(fixture.sender.snapshot()); got != 2 {
		t.Fatalf("send attempts = %d, want 2", got)
	}
}
