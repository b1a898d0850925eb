package uds

import (
	"fmt"
	"time"
)

// NegativeResponseError is returned by the client when the server answers
// with a `7F <SID> <NRC>` negative response.
type NegativeResponseError struct {
	ServiceID byte
	NRC       byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response: SID=0x%02X (%s), NRC=0x%02X (%s)",
		e.ServiceID, serviceName(e.ServiceID), e.NRC, NRCDescription(e.NRC))
}

// IsRetryable reports whether the request may be repeated as-is.
func (e *NegativeResponseError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// RequestTimeoutError reports that no response arrived within the applicable
// P2 window.
type RequestTimeoutError struct {
	ServiceID byte
	Timeout   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no response to SID=0x%02X (%s) within %v",
		e.ServiceID, serviceName(e.ServiceID), e.Timeout)
}

// UnexpectedResponseError reports a response whose SID does not match the
// outstanding request.
type UnexpectedResponseError struct {
	Expected byte
	Got      byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("response SID mismatch: expected 0x%02X, got 0x%02X", e.Expected, e.Got)
}
