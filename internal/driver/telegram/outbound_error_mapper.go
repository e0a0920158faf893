package telegram

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"

	"otogi-agent/pkg/otogi"
)

// rpcTypeKinds pins RPC error types whose kind does not follow their code.
var rpcTypeKinds = map[string]otogi.OutboundErrorKind{
	"SLOWMODE_WAIT":        otogi.OutboundErrorKindRateLimited,
	"PEER_FLOOD":           otogi.OutboundErrorKindRateLimited,
	"TIMEOUT":              otogi.OutboundErrorKindTemporary,
	"RPC_CALL_FAIL":        otogi.OutboundErrorKindTemporary,
	"CHAT_WRITE_FORBIDDEN": otogi.OutboundErrorKindPermanent,
	"USER_IS_BLOCKED":      otogi.OutboundErrorKindPermanent,
}

// mapTelegramOutboundError wraps a failed RPC into an *otogi.OutboundError
// so callers can decide on retries without knowing gotd types.
func mapTelegramOutboundError(operation otogi.OutboundOperation, err error) error {
	if err == nil || errors.Is(err, otogi.ErrInvalidOutboundRequest) {
		return err
	}

	mapped := &otogi.OutboundError{
		Operation: operation,
		Kind:      otogi.OutboundErrorKindUnknown,
		Platform:  DriverPlatform,
		Cause:     err,
	}

	if rpcErr, ok := tgerr.As(err); ok {
		mapped.Code = rpcErr.Code
		mapped.Type = rpcErr.Type
		mapped.Kind = classifyRPCError(rpcErr)
	} else if opErr := (*net.OpError)(nil); errors.As(err, &opErr) {
		mapped.Kind = otogi.OutboundErrorKindTemporary
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		mapped.Kind = otogi.OutboundErrorKindRateLimited
		mapped.RetryAfter = wait
	} else if mapped.Kind == otogi.OutboundErrorKindRateLimited && mapped.RetryAfter == 0 {
		if rpcErr, ok := tgerr.As(err); ok && rpcErr.Argument > 0 {
			mapped.RetryAfter = time.Duration(rpcErr.Argument) * time.Second
		}
	}

	return mapped
}

func classifyRPCError(rpcErr *tgerr.Error) otogi.OutboundErrorKind {
	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	if kind, pinned := rpcTypeKinds[errorType]; pinned {
		return kind
	}
	if strings.Contains(errorType, "FLOOD") {
		return otogi.OutboundErrorKindRateLimited
	}

	switch code := rpcErr.Code; {
	case code == 420 || code == 429:
		return otogi.OutboundErrorKindRateLimited
	case code == 303 || code >= 500:
		return otogi.OutboundErrorKindTemporary
	case code >= 400 && code <= 406:
		return otogi.OutboundErrorKindPermanent
	default:
		return otogi.OutboundErrorKindUnknown
	}
}
