package tp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// TransportError is the base type for ISO-TP errors. Transport errors abort
// the affected session; whether to retry is the caller's decision.
type TransportError struct {
	msg string
}

func NewTransportError(msg string) TransportError {
	return TransportError{msg: msg}
}

func (e TransportError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// SequenceError reports an out-of-order or duplicate consecutive-frame
// sequence number; the reassembly session is aborted.
type SequenceError struct {
	TransportError
}

func (e SequenceError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

// TimeoutError reports an expired transport timer. Stage names the frame
// that failed to arrive in time.
type TimeoutError struct {
	TransportError
	Stage string
}

func (e TimeoutError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	if e.Stage != "" {
		return "timed out waiting for " + e.Stage
	}
	return "transport timer expired"
}

// OverflowError reports that the remote receiver rejected a transfer with
// flow status Overflow.
type OverflowError struct {
	TransportError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

// FrameTooLongError reports a first frame announcing more data than the
// configured maximum frame size.
type FrameTooLongError struct {
	TransportError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "first frame length exceeds maximum frame size")
}

// UnexpectedFrameError reports a PDU arriving in a state that cannot accept
// it.
type UnexpectedFrameError struct {
	TransportError
	Kind string
}

func (e UnexpectedFrameError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	if e.Kind != "" {
		return "unexpected " + e.Kind
	}
	return "unexpected protocol data unit"
}

// MaxWaitFrameError reports that the peer sent more flow-control Wait frames
// than the configuration allows.
type MaxWaitFrameError struct {
	TransportError
}

func (e MaxWaitFrameError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

// InvalidFrameError reports a CAN frame whose payload is not a parseable
// ISO-TP PDU.
type InvalidFrameError struct {
	TransportError
}

func (e InvalidFrameError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

// AbortError reports a session cancelled by the caller.
type AbortError struct {
	TransportError
}

func (e AbortError) Error() string {
	return messageOrDefault(e.msg, "session aborted by caller")
}
