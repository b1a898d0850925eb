package tp

import (
	"fmt"
	"time"
)

// Config defines the configuration for the ISO-TP transport.
type Config struct {
	// PaddingByte, if not nil, pads transmitted frames to TxDataLength.
	PaddingByte *byte

	// TimeoutN_Bs bounds the wait for a FlowControl after FF or a block of
	// CFs; TimeoutN_Cr bounds the wait for the next CF during reassembly.
	TimeoutN_Bs time.Duration
	TimeoutN_Cr time.Duration

	// BlockSize is advertised in transmitted FlowControl frames: number of
	// CFs the peer may send before the next FC. 0 means no limit.
	BlockSize int

	// STmin is the minimum CF separation time advertised to the peer.
	STmin time.Duration

	// MaxWaitFrame (WFTmax) is the number of FlowControl Wait frames
	// tolerated from the peer before the transfer is aborted. 0 means Wait
	// frames are not accepted at all.
	MaxWaitFrame int

	// MaxFrameSize is the largest ISO-TP payload accepted for reassembly;
	// longer first frames are answered with an Overflow flow status.
	MaxFrameSize int

	// TxDataLength is the CAN frame payload capacity: 8 for classical CAN,
	// up to 64 with FD.
	TxDataLength int
	FD           bool
}

// DefaultConfig returns ISO 15765-2 recommended defaults for classical CAN.
func DefaultConfig() Config {
	return Config{
		TimeoutN_Bs:  1000 * time.Millisecond,
		TimeoutN_Cr:  1000 * time.Millisecond,
		BlockSize:    8,
		STmin:        0,
		MaxWaitFrame: 0,
		MaxFrameSize: 4095,
		TxDataLength: 8,
	}
}

var validTxDataLengths = map[int]bool{8: true, 12: true, 16: true, 20: true, 24: true, 32: true, 48: true, 64: true}

func (c *Config) Validate() error {
	if c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("blocksize must be between 0x00 and 0xFF")
	}
	if c.STmin < 0 || c.STmin > 127*time.Millisecond {
		return fmt.Errorf("stmin must be between 0 and 127ms")
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("max_wait_frame must not be negative")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}
	if !validTxDataLengths[c.TxDataLength] {
		return fmt.Errorf("tx_data_length must be one of 8, 12, 16, 20, 24, 32, 48, 64")
	}
	if c.TxDataLength > 8 && !c.FD {
		return fmt.Errorf("tx_data_length above 8 requires FD")
	}
	return nil
}
