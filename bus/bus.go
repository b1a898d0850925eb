// Package bus models the shared CAN medium: bitwise arbitration between
// contending nodes, the ACK slot, and per-node error confinement. The Bus is
// the single authority over bit-time decisions; nodes never touch the medium
// directly.
package bus

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/frame"
)

type Bus struct {
	mu    sync.Mutex
	nodes []*Node
	taps  []chan frame.Frame
	log   zerolog.Logger

	// Interference, when set, mutates the bit-serial stream between the
	// transmitter and the receivers. Fault-injection hook for tests.
	Interference func(frame.Bitstream) frame.Bitstream
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{log: logger}
}

// Attach adds a node with default confinement parameters.
func (b *Bus) Attach(name string) *Node {
	return b.AttachWithParams(name, DefaultConfinementParams())
}

func (b *Bus) AttachWithParams(name string, params ConfinementParams) *Node {
	n := &Node{
		name:   name,
		params: params,
		log:    b.log.With().Str("node", name).Logger(),
		rx:     make(chan frame.Frame, 64),
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

// Tap returns a channel observing every frame delivered on the bus, in
// delivery order. Slow consumers lose frames rather than stalling the bus.
func (b *Bus) Tap(buffer int) <-chan frame.Frame {
	ch := make(chan frame.Frame, buffer)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Run steps the bus until the context is cancelled. Each tick covers one
// arbitration round or an idle period.
func (b *Bus) Run(ctx context.Context, tick time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.Step()
		time.Sleep(tick)
	}
}

type contender struct {
	node *Node
	f    frame.Frame
	arb  frame.Bitstream
}

// Step performs one bus tick: gather contenders, resolve arbitration bit by
// bit, transmit the winning frame and account every outcome with the error
// confinement engine. It reports whether any node transmitted; an idle tick
// feeds one 11-bit recessive sequence to bus-off recovery monitors.
func (b *Bus) Step() bool {
	b.mu.Lock()
	nodes := make([]*Node, len(b.nodes))
	copy(nodes, b.nodes)
	b.mu.Unlock()

	var contenders []contender
	for _, n := range nodes {
		if !n.contending() {
			continue
		}
		f, ok := n.head()
		if !ok {
			continue
		}
		contenders = append(contenders, contender{node: n, f: f, arb: frame.ArbitrationBits(f)})
	}

	if len(contenders) == 0 {
		for _, n := range nodes {
			n.observeRecessive(11)
		}
		return false
	}

	// Two nodes driving identical arbitration fields is a bus error: both
	// transmitters see a corrupted frame and the message is invalidated.
	for i := 0; i < len(contenders); i++ {
		for j := i + 1; j < len(contenders); j++ {
			if bytes.Equal(contenders[i].arb, contenders[j].arb) {
				err := frame.FormError{FrameError: frame.NewFrameError("identical arbitration fields on the bus")}
				contenders[i].node.onTxError(err)
				contenders[j].node.onTxError(err)
				b.log.Warn().Uint32("id", contenders[i].f.ID).Msg("arbitration collision")
				return true
			}
		}
	}

	winner := b.arbitrate(contenders)
	b.transmit(nodes, winner)
	return true
}

// arbitrate eliminates contenders bit by bit: the bus level is the logical
// AND of all transmitted bits, and a node that sent recessive while the bus
// is dominant withdraws immediately. Distinct arbitration fields guarantee a
// single winner.
func (b *Bus) arbitrate(contenders []contender) contender {
	remaining := contenders
	for pos := 0; len(remaining) > 1; pos++ {
		busBit := frame.Recessive
		for _, c := range remaining {
			if c.arb[pos] == frame.Dominant {
				busBit = frame.Dominant
				break
			}
		}
		next := remaining[:0]
		for _, c := range remaining {
			if c.arb[pos] == busBit {
				next = append(next, c)
			} else {
				c.node.log.Debug().Uint32("id", c.f.ID).Int("bit", pos).Msg("lost arbitration, re-queued")
			}
		}
		remaining = next
	}
	return remaining[0]
}

// transmit carries the winning frame across the medium, runs receiver-side
// decoding, the ACK slot, and the confinement accounting.
func (b *Bus) transmit(nodes []*Node, w contender) {
	var receivers []*Node
	for _, n := range nodes {
		if n != w.node && n.State() != BusOff {
			receivers = append(receivers, n)
		}
	}

	// FD frames bypass the classical bit-serial codec and travel at frame
	// granularity.
	if w.f.FD {
		if len(receivers) == 0 {
			w.node.onTxError(frame.AckError{})
			return
		}
		b.complete(w, receivers, w.f)
		return
	}

	bits, err := frame.Encode(w.f)
	if err != nil {
		// Unencodable frames cannot be retried; drop and account.
		w.node.popHead()
		w.node.onTxError(frame.FormError{FrameError: frame.NewFrameError(err.Error())})
		return
	}

	wire := bits
	if b.Interference != nil {
		wire = b.Interference(bits.Clone())
	}

	var decoded frame.Frame
	var rxErr error
	for _, r := range receivers {
		g, err := frame.Decode(wire)
		if err != nil {
			r.onRxError(err)
			if rxErr == nil {
				rxErr = err
			}
			continue
		}
		decoded = g
	}
	if rxErr != nil {
		// A receiver's error frame invalidates the message bus-wide; the
		// transmitter re-arbitrates and retransmits.
		w.node.onTxError(rxErr)
		return
	}
	if !bytes.Equal(wire, bits) {
		// Receivers were satisfied but the transmitter monitored a level it
		// did not send.
		w.node.onTxError(frame.BitError{})
		return
	}
	if len(receivers) == 0 {
		w.node.onTxError(frame.AckError{})
		return
	}
	b.complete(w, receivers, decoded)
}

func (b *Bus) complete(w contender, receivers []*Node, delivered frame.Frame) {
	w.node.popHead()
	w.node.onTxSuccess()
	delivered.Acked = true
	for _, r := range receivers {
		r.onRxSuccess()
		r.deliver(delivered)
	}
	b.mu.Lock()
	taps := b.taps
	b.mu.Unlock()
	for _, t := range taps {
		select {
		case t <- delivered:
		default:
		}
	}
	b.log.Debug().Uint32("id", delivered.ID).Int("len", len(delivered.Data)).Msg("frame delivered")
}
