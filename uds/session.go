package uds

import "time"

// SessionType identifies a diagnostic session.
type SessionType byte

const (
	SessionDefault     SessionType = 0x01
	SessionProgramming SessionType = 0x02
	SessionExtended    SessionType = 0x03
	SessionSafety      SessionType = 0x04
)

func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "defaultSession"
	case SessionProgramming:
		return "programmingSession"
	case SessionExtended:
		return "extendedDiagnosticSession"
	case SessionSafety:
		return "safetySystemDiagnosticSession"
	default:
		return "unknownSession"
	}
}

// Valid reports whether the session type is one the server recognises.
func (s SessionType) Valid() bool {
	return s >= SessionDefault && s <= SessionSafety
}

// SessionTiming carries the timing parameters reported in the
// DiagnosticSessionControl positive response.
type SessionTiming struct {
	P2     time.Duration // normal response deadline
	P2Star time.Duration // extended deadline after a 0x78 response pending
	S3     time.Duration // inactivity window before falling back to default
}

// DefaultSessionTiming returns the ISO 14229 recommended values.
func DefaultSessionTiming() SessionTiming {
	return SessionTiming{
		P2:     50 * time.Millisecond,
		P2Star: 5 * time.Second,
		S3:     5 * time.Second,
	}
}

// encodeTiming packs P2 (ms) and P2* (10 ms units) as four big-endian bytes,
// the record layout of the session control response.
func (t SessionTiming) encode() []byte {
	p2 := t.P2.Milliseconds()
	if p2 > 0xFFFF {
		p2 = 0xFFFF
	}
	p2s := t.P2Star.Milliseconds() / 10
	if p2s > 0xFFFF {
		p2s = 0xFFFF
	}
	return []byte{byte(p2 >> 8), byte(p2), byte(p2s >> 8), byte(p2s)}
}
