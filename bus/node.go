package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/frame"
)

var ErrBusOff = errors.New("bus: node is bus-off")

// Node is one station on the bus. It owns its error counters exclusively and
// a pending-transmission queue ordered by identifier priority. All bus
// interaction goes through the owning Bus's tick authority.
type Node struct {
	name   string
	params ConfinementParams
	log    zerolog.Logger

	mu      sync.Mutex
	tec     int
	rec     int
	pending []frame.Frame
	suspend int

	recoverBits int
	recoverSeqs int

	rx chan frame.Frame
}

func (n *Node) Name() string { return n.name }

// Send validates the frame and enqueues it by identifier priority. Frames
// with equal priority keep their submission order, so a transport may queue
// the consecutive frames of one message back to back behind the same
// identifier. Identifier collisions between different nodes are the bus's
// concern: Step reports a FormError when two nodes contend with identical
// arbitration fields.
func (n *Node) Send(f frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stateLocked() == BusOff {
		return ErrBusOff
	}
	i := 0
	for i < len(n.pending) && n.pending[i].Priority() <= f.Priority() {
		i++
	}
	n.pending = append(n.pending, frame.Frame{})
	copy(n.pending[i+1:], n.pending[i:])
	n.pending[i] = f
	return nil
}

// RxChan delivers frames this node accepted from the bus.
func (n *Node) RxChan() <-chan frame.Frame { return n.rx }

// Pending reports how many frames await transmission.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// head returns the highest-priority pending frame without removing it.
func (n *Node) head() (frame.Frame, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 {
		return frame.Frame{}, false
	}
	return n.pending[0], true
}

func (n *Node) popHead() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) > 0 {
		n.pending = n.pending[1:]
	}
}

// contending reports whether the node may start a transmission this tick and
// burns one suspend tick if it is held off after a passive-state error.
func (n *Node) contending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stateLocked() == BusOff || len(n.pending) == 0 {
		return false
	}
	if n.suspend > 0 {
		n.suspend--
		return false
	}
	return true
}

func (n *Node) deliver(f frame.Frame) {
	select {
	case n.rx <- f:
	default:
		n.log.Warn().Uint32("id", f.ID).Msg("rx channel full, frame dropped")
	}
}

// Bind starts a goroutine that drains tx into the node's priority queue and
// returns the channel pair a transport event loop runs on. Sends rejected
// because the node went bus-off are logged and dropped; the transport
// surfaces the condition through its own timeout handling.
func Bind(ctx context.Context, n *Node) (rx <-chan frame.Frame, tx chan<- frame.Frame) {
	txc := make(chan frame.Frame, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-txc:
				if err := n.Send(f); err != nil {
					n.log.Warn().Err(err).Uint32("id", f.ID).Msg("dropping frame")
				}
			}
		}
	}()
	return n.rx, txc
}
