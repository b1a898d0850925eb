package tp

import (
	"fmt"

	"github.com/cantools/canstack/frame"
)

// AddressType selects physical (point-to-point) or functional (broadcast)
// addressing for an outgoing message.
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

// Address is a normal-addressing pair: one arbitration identifier per
// direction, optionally with a functional identifier for broadcast requests
// such as 0x7DF.
type Address struct {
	TxID         uint32
	RxID         uint32
	FunctionalID uint32 // 0 disables functional addressing
	Extended     bool   // 29-bit identifiers
}

// NewAddress builds an 11-bit normal address.
func NewAddress(txID, rxID uint32) (*Address, error) {
	a := &Address{TxID: txID, RxID: rxID}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewExtendedAddress builds a 29-bit normal address.
func NewExtendedAddress(txID, rxID uint32) (*Address, error) {
	a := &Address{TxID: txID, RxID: rxID, Extended: true}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// WithFunctional sets the functional identifier used for broadcast sends and
// accepted on reception.
func (a *Address) WithFunctional(id uint32) *Address {
	a.FunctionalID = id
	return a
}

func (a *Address) validate() error {
	if a.TxID == a.RxID {
		return fmt.Errorf("txid and rxid must be different")
	}
	limit := uint32(frame.MaxStandardID)
	if a.Extended {
		limit = frame.MaxExtendedID
	}
	for _, id := range []uint32{a.TxID, a.RxID} {
		if id > limit {
			return fmt.Errorf("identifier 0x%X out of range for addressing mode", id)
		}
	}
	return nil
}

// TxArbitrationID returns the identifier to transmit with.
func (a *Address) TxArbitrationID(at AddressType) uint32 {
	if at == Functional && a.FunctionalID != 0 {
		return a.FunctionalID
	}
	return a.TxID
}

// AcceptsFrame reports whether an incoming frame is addressed to this
// endpoint, either physically or functionally.
func (a *Address) AcceptsFrame(f frame.Frame) bool {
	if f.Extended != a.Extended {
		return false
	}
	if f.ID == a.RxID {
		return true
	}
	return a.FunctionalID != 0 && f.ID == a.FunctionalID
}
