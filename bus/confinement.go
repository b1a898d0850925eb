package bus

// State is a node's error-confinement state. It is derived from the error
// counters and never stored or set directly.
type State int

const (
	Active State = iota
	Passive
	BusOff
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Passive:
		return "passive"
	case BusOff:
		return "bus-off"
	default:
		return "unknown"
	}
}

// ConfinementParams sets the error-counter weights and thresholds. The
// 128/256 thresholds come from the confinement rules; the increment
// magnitudes per error class are conventional ISO 11898 values and remain
// configurable.
type ConfinementParams struct {
	// TxErrorWeight is added to TEC when the transmitter detects an error
	// (bit, ACK, form) on a frame it is sending.
	TxErrorWeight int
	// RxErrorWeight is added to REC when a receiver detects an error
	// (stuff, CRC, form) on a frame it is observing.
	RxErrorWeight int
	// SuccessCredit is subtracted from the respective counter on a
	// successful transmission or reception, with a floor of zero.
	SuccessCredit int

	PassiveThreshold int
	BusOffThreshold  int

	// RecoverySequences is the number of 11-consecutive-recessive-bit
	// sequences a bus-off node must monitor before rejoining as Active.
	RecoverySequences int

	// PassiveSuspendTicks is how many bus ticks a passive node holds off
	// before contending again after an error it was involved in.
	PassiveSuspendTicks int
}

func DefaultConfinementParams() ConfinementParams {
	return ConfinementParams{
		TxErrorWeight:       8,
		RxErrorWeight:       1,
		SuccessCredit:       1,
		PassiveThreshold:    128,
		BusOffThreshold:     256,
		RecoverySequences:   128,
		PassiveSuspendTicks: 1,
	}
}

// State computes the confinement state from the counters. TEC is not clamped
// below the bus-off threshold, so a bus-off node stays bus-off until the
// recovery sequence zeroes both counters.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateLocked()
}

func (n *Node) stateLocked() State {
	switch {
	case n.tec >= n.params.BusOffThreshold:
		return BusOff
	case n.tec >= n.params.PassiveThreshold || n.rec >= n.params.PassiveThreshold:
		return Passive
	default:
		return Active
	}
}

// Counters returns the current transmit and receive error counters.
func (n *Node) Counters() (tec, rec int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tec, n.rec
}

// onTxError charges the transmit error counter and handles the transition
// into bus-off: pending transmissions are cancelled and the recovery monitor
// is armed.
func (n *Node) onTxError(cause error) {
	n.mu.Lock()
	before := n.stateLocked()
	n.tec += n.params.TxErrorWeight
	after := n.stateLocked()
	if after == BusOff && before != BusOff {
		dropped := len(n.pending)
		n.pending = nil
		n.recoverBits = 0
		n.recoverSeqs = 0
		n.mu.Unlock()
		n.log.Warn().Int("dropped", dropped).Err(cause).Msg("node entered bus-off")
		return
	}
	if after == Passive {
		n.suspend = n.params.PassiveSuspendTicks
	}
	tec := n.tec
	n.mu.Unlock()
	n.log.Debug().Err(cause).Int("tec", tec).Msg("transmit error")
}

func (n *Node) onRxError(cause error) {
	n.mu.Lock()
	n.rec += n.params.RxErrorWeight
	if n.stateLocked() == Passive {
		n.suspend = n.params.PassiveSuspendTicks
	}
	rec := n.rec
	n.mu.Unlock()
	n.log.Debug().Err(cause).Int("rec", rec).Msg("receive error")
}

func (n *Node) onTxSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tec >= n.params.BusOffThreshold {
		return // bus-off recovers only through the idle monitor
	}
	n.tec -= n.params.SuccessCredit
	if n.tec < 0 {
		n.tec = 0
	}
}

func (n *Node) onRxSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rec -= n.params.SuccessCredit
	if n.rec < 0 {
		n.rec = 0
	}
}

// observeRecessive feeds idle recessive bits to a bus-off node's recovery
// monitor. Each run of 11 bits counts one sequence; completing the
// configured number of sequences resets both counters, which re-enters
// Active.
func (n *Node) observeRecessive(bits int) {
	n.mu.Lock()
	if n.stateLocked() != BusOff {
		n.mu.Unlock()
		return
	}
	n.recoverBits += bits
	n.recoverSeqs += n.recoverBits / 11
	n.recoverBits %= 11
	if n.recoverSeqs >= n.params.RecoverySequences {
		n.tec = 0
		n.rec = 0
		n.recoverBits = 0
		n.recoverSeqs = 0
		n.mu.Unlock()
		n.log.Info().Msg("bus-off recovery complete, node active")
		return
	}
	n.mu.Unlock()
}
