// Package tp implements the ISO 15765-2 transport layer: segmentation and
// reassembly of payloads across CAN frames with flow control negotiation.
package tp

import (
	"fmt"
	"time"

	"github.com/cantools/canstack/frame"
)

type PDUType int

const (
	PDUSingleFrame PDUType = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

func (p PDUType) String() string {
	switch p {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

type FlowStatus int

const (
	FlowContinueToSend FlowStatus = iota
	FlowWait
	FlowOverflow
)

// PDU is a decoded ISO-TP protocol data unit extracted from a CAN frame.
type PDU struct {
	Type           PDUType
	Length         int // total payload length for SF/FF
	Data           []byte
	SeqNum         int // CF sequence number, 0-15
	FlowStatus     FlowStatus
	BlockSize      int
	STmin          time.Duration
	EscapeSequence bool
}

// ParsePDU parses the payload of a CAN frame into a PDU.
func ParsePDU(f frame.Frame) (*PDU, error) {
	data := f.Data
	if len(data) == 0 {
		return nil, fmt.Errorf("empty CAN frame")
	}

	p := &PDU{Type: PDUType(data[0] >> 4)}
	if p.Type > PDUFlowControl {
		return nil, fmt.Errorf("received message with unknown frame type %d", p.Type)
	}

	switch p.Type {
	case PDUSingleFrame:
		n := int(data[0] & 0xF)
		if n != 0 {
			if n > len(data)-1 {
				return nil, fmt.Errorf("single frame length %d exceeds payload %d", n, len(data)-1)
			}
			p.Length = n
			p.Data = data[1 : 1+n]
		} else {
			// Escape sequence for FD-sized single frames: length in byte 1.
			if len(data) < 2 {
				return nil, fmt.Errorf("single frame with escape sequence must be at least 2 bytes")
			}
			n = int(data[1])
			if n == 0 {
				return nil, fmt.Errorf("received single frame with length of 0 bytes")
			}
			if n > len(data)-2 {
				return nil, fmt.Errorf("single frame length %d exceeds payload %d", n, len(data)-2)
			}
			p.EscapeSequence = true
			p.Length = n
			p.Data = data[2 : 2+n]
		}

	case PDUFirstFrame:
		if len(data) < 2 {
			return nil, fmt.Errorf("first frame must be at least 2 bytes")
		}
		n := int(data[0]&0xF)<<8 | int(data[1])
		if n != 0 {
			p.Length = n
			p.Data = data[2:]
		} else {
			// Escape sequence for payloads above 4095 bytes: 32-bit length.
			if len(data) < 6 {
				return nil, fmt.Errorf("first frame with escape sequence must be at least 6 bytes")
			}
			p.EscapeSequence = true
			p.Length = int(data[2])<<24 | int(data[3])<<16 | int(data[4])<<8 | int(data[5])
			p.Data = data[6:]
		}
		if len(p.Data) > p.Length {
			p.Data = p.Data[:p.Length]
		}

	case PDUConsecutiveFrame:
		p.SeqNum = int(data[0] & 0xF)
		p.Data = data[1:]

	case PDUFlowControl:
		if len(data) < 3 {
			return nil, fmt.Errorf("flow control frame must be at least 3 bytes")
		}
		fs := FlowStatus(data[0] & 0xF)
		if fs > FlowOverflow {
			return nil, fmt.Errorf("unknown flow status")
		}
		p.FlowStatus = fs
		p.BlockSize = int(data[1])
		st, err := DecodeSTmin(data[2])
		if err != nil {
			return nil, err
		}
		p.STmin = st
	}

	return p, nil
}

// DecodeSTmin converts the wire STmin byte to a duration. Values 0x00-0x7F
// are milliseconds; 0xF1-0xF9 are multiples of 100 microseconds.
func DecodeSTmin(b byte) (time.Duration, error) {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond, nil
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond, nil
	default:
		return 0, fmt.Errorf("invalid StMin received in Flow Control")
	}
}

// EncodeSTmin converts a separation time to its wire byte, rounding to the
// closest representable value.
func EncodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	if d < time.Millisecond {
		n := (d + 50*time.Microsecond) / (100 * time.Microsecond)
		if n < 1 {
			n = 1
		}
		if n > 9 {
			return 1 // round up to 1 ms
		}
		return byte(0xF0 + n)
	}
	ms := d.Milliseconds()
	if ms > 0x7F {
		ms = 0x7F
	}
	return byte(ms)
}

// SingleFrameData builds the SF payload for a classical or FD frame.
func SingleFrameData(payload []byte) []byte {
	if len(payload) <= 7 {
		return append([]byte{byte(len(payload))}, payload...)
	}
	// FD escape sequence
	return append([]byte{0x00, byte(len(payload))}, payload...)
}

// FirstFrameData builds the FF payload carrying the total length and the
// first chunk.
func FirstFrameData(total int, chunk []byte) []byte {
	if total <= 0xFFF {
		out := []byte{byte(0x10 | (total>>8)&0xF), byte(total & 0xFF)}
		return append(out, chunk...)
	}
	out := []byte{0x10, 0x00,
		byte(total >> 24), byte(total >> 16), byte(total >> 8), byte(total)}
	return append(out, chunk...)
}

// ConsecutiveFrameData builds a CF payload with the given sequence number.
func ConsecutiveFrameData(seq int, chunk []byte) []byte {
	return append([]byte{byte(0x20 | seq&0xF)}, chunk...)
}

// FlowControlData builds the 3-byte FC payload.
func FlowControlData(fs FlowStatus, blockSize int, stMin byte) []byte {
	return []byte{byte(0x30 | int(fs)&0xF), byte(blockSize & 0xFF), stMin}
}
