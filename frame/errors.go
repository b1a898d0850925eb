package frame

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// FrameError is the base type for link-layer errors. Every concrete error
// increments the detecting node's error counter and invalidates the message
// bus-wide through an error frame.
type FrameError struct {
	msg string
}

func NewFrameError(msg string) FrameError {
	return FrameError{msg: msg}
}

func (e FrameError) Error() string {
	return messageOrDefault(e.msg, "CAN frame error")
}

// BitError reports that a transmitter monitored a bus level different from
// the bit it sent outside of the arbitration field.
type BitError struct {
	FrameError
}

func (e BitError) Error() string {
	return messageOrDefault(e.msg, "monitored bus level differs from transmitted bit")
}

// StuffError reports six consecutive identical bits inside the stuffed region.
type StuffError struct {
	FrameError
}

func (e StuffError) Error() string {
	return messageOrDefault(e.msg, "six consecutive identical bits in stuffed region")
}

// CrcError reports a mismatch between the received and recomputed CRC.
type CrcError struct {
	FrameError
}

func (e CrcError) Error() string {
	return messageOrDefault(e.msg, "CRC mismatch")
}

// FormError reports a fixed-format bit (delimiter, EOF) at the wrong level,
// or two nodes transmitting the same arbitration field simultaneously.
type FormError struct {
	FrameError
}

func (e FormError) Error() string {
	return messageOrDefault(e.msg, "fixed-format bit violation")
}

// AckError reports that no receiver drove the ACK slot dominant.
type AckError struct {
	FrameError
}

func (e AckError) Error() string {
	return messageOrDefault(e.msg, "no dominant bit in ACK slot")
}
