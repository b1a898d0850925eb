// Package frame implements the CAN data-link frame model and its bit-serial
// codec: arbitration and control fields, bit stuffing and the 15-bit CRC.
package frame

import (
	"errors"
	"fmt"
)

// Bit levels on the wire. A dominant bit overrides a recessive bit when both
// are transmitted in the same bit time.
const (
	Dominant  byte = 0
	Recessive byte = 1
)

// Bitstream is the bit-serial representation of a frame, one byte per bit,
// each either Dominant or Recessive.
type Bitstream []byte

// Clone returns an independent copy of the bitstream.
func (b Bitstream) Clone() Bitstream {
	out := make(Bitstream, len(b))
	copy(out, b)
	return out
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	// MaxClassicLen is the payload limit for classical CAN, MaxFDLen for
	// CAN FD frames carried at frame granularity.
	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidID   = errors.New("frame: identifier out of range")
	ErrInvalidLen  = errors.New("frame: invalid data length")
	ErrFDBitSerial = errors.New("frame: bit-serial codec supports classical frames only")
)

// Frame is a single CAN frame. A frame is immutable once constructed; the bus
// sets Acked on the copy it hands to receivers after a dominant ACK slot.
type Frame struct {
	ID       uint32 // 11-bit standard or 29-bit extended identifier
	Extended bool
	Remote   bool // remote transmission request, no payload on the wire
	FD       bool
	Data     []byte
	Acked    bool
}

// Validate returns an error if the frame violates identifier or length limits.
func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	limit := MaxClassicLen
	if f.FD {
		limit = MaxFDLen
	}
	if len(f.Data) > limit {
		return ErrInvalidLen
	}
	if f.Remote && len(f.Data) > 0 {
		return ErrInvalidLen
	}
	return nil
}

// DLC returns the data length code for the frame's payload size.
// Classical frames use the byte count directly; FD lengths above 8 map onto
// the discrete DLC codes 9..15.
func (f Frame) DLC() int {
	n := len(f.Data)
	switch {
	case n <= 8:
		return n
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

// Priority orders frames for arbitration: lower identifiers win, and at equal
// identifiers a data frame beats a remote frame (dominant RTR).
func (f Frame) Priority() uint64 {
	p := uint64(f.ID) << 1
	if f.Remote {
		p |= 1
	}
	return p
}

func (f Frame) String() string {
	kind := "std"
	if f.Extended {
		kind = "ext"
	}
	if f.Remote {
		return fmt.Sprintf("%s %03X rtr dlc=%d", kind, f.ID, f.DLC())
	}
	return fmt.Sprintf("%s %03X % X", kind, f.ID, f.Data)
}
