package tp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/frame"
)

type rxState int

const (
	rxIdle rxState = iota
	rxWaitCF
)

type txState int

const (
	txIdle txState = iota
	txWaitFC
	txSending
)

type txRequest struct {
	payload  []byte
	addrType AddressType
	done     chan error
}

func (r *txRequest) complete(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// Transport is one ISO-TP endpoint. Its event loop owns all session state;
// the only interaction points are the Send/Recv queues, the error channel and
// the frame channels given to Run.
type Transport struct {
	addr *Address
	cfg  Config
	log  zerolog.Logger

	rxData  chan []byte
	txData  chan txRequest
	errs    chan error
	abortCh chan struct{}

	// reassembly session
	rxState        rxState
	rxBuffer       []byte
	rxFrameLen     int
	rxSeqNum       int
	rxBlockCounter int

	// transmission session
	txState         txState
	req             *txRequest
	txOffset        int
	txSeqNum        int
	txBlockCounter  int
	remoteBlockSize int
	remoteSTmin     time.Duration
	wftCounter      int

	timerRxCF  *time.Timer
	timerRxFC  *time.Timer
	timerSTmin *time.Timer
}

func NewTransport(addr *Address, cfg Config, logger zerolog.Logger) (*Transport, error) {
	if addr == nil {
		return nil, fmt.Errorf("address must be provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ISO-TP config: %w", err)
	}
	t := &Transport{
		addr:       addr,
		cfg:        cfg,
		log:        logger,
		rxData:     make(chan []byte, 10),
		txData:     make(chan txRequest, 10),
		errs:       make(chan error, 10),
		abortCh:    make(chan struct{}, 1),
		timerRxCF:  newStoppedTimer(),
		timerRxFC:  newStoppedTimer(),
		timerSTmin: newStoppedTimer(),
	}
	return t, nil
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Send queues a payload for physically-addressed transmission.
func (t *Transport) Send(payload []byte) error {
	_, err := t.enqueue(payload, Physical)
	return err
}

// SendSync queues a payload and blocks until the transfer completes, fails
// or the context is cancelled.
func (t *Transport) SendSync(ctx context.Context, payload []byte) error {
	req, err := t.enqueue(payload, Physical)
	if err != nil {
		return err
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFunctional queues a broadcast request. Functional messages must fit a
// single frame.
func (t *Transport) SendFunctional(payload []byte) error {
	if len(payload) > t.singleFrameCapacity() {
		return fmt.Errorf("cannot send multi frame message with functional addressing")
	}
	_, err := t.enqueue(payload, Functional)
	return err
}

func (t *Transport) enqueue(payload []byte, at AddressType) (*txRequest, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload must not be empty")
	}
	if len(payload) > t.cfg.MaxFrameSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds max frame size %d", len(payload), t.cfg.MaxFrameSize)
	}
	req := txRequest{
		payload:  append([]byte{}, payload...),
		addrType: at,
		done:     make(chan error, 1),
	}
	t.txData <- req
	return &req, nil
}

// Received exposes reassembled payloads in arrival order.
func (t *Transport) Received() <-chan []byte { return t.rxData }

// Recv blocks for the next reassembled payload.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.rxData:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain discards any queued received payloads.
func (t *Transport) Drain() {
	for {
		select {
		case <-t.rxData:
		default:
			return
		}
	}
}

// Errors exposes transport errors. The channel never blocks the event loop;
// unread errors are dropped.
func (t *Transport) Errors() <-chan error { return t.errs }

// Abort cancels the in-flight transmission and reassembly sessions.
func (t *Transport) Abort() {
	select {
	case t.abortCh <- struct{}{}:
	default:
	}
}

// Run drives the transport state machines until the context is cancelled.
// rx delivers frames from the bus; tx carries frames toward it.
func (t *Transport) Run(ctx context.Context, rx <-chan frame.Frame, tx chan<- frame.Frame) {
	defer t.cleanup()
	for {
		var txReady <-chan txRequest
		if t.txState == txIdle {
			txReady = t.txData
		}

		select {
		case <-ctx.Done():
			return

		case <-t.abortCh:
			if t.req != nil || t.txState != txIdle {
				t.failSend(AbortError{})
			}
			if t.rxState != rxIdle {
				t.stopReceiving()
			}

		case f := <-rx:
			t.processRx(f, tx)

		case req := <-txReady:
			t.startTransmission(&req, tx)

		case <-t.timerRxCF.C:
			t.fireError(TimeoutError{Stage: "consecutive frame"})
			t.stopReceiving()

		case <-t.timerRxFC.C:
			t.failSend(TimeoutError{Stage: "flow control frame"})

		case <-t.timerSTmin.C:
			if t.txState == txSending {
				t.sendNextCF(tx)
			}
		}
	}
}

func (t *Transport) cleanup() {
	stopTimer(t.timerRxCF)
	stopTimer(t.timerRxFC)
	stopTimer(t.timerSTmin)
	if t.req != nil {
		t.req.complete(AbortError{})
		t.req = nil
	}
}

func (t *Transport) processRx(f frame.Frame, tx chan<- frame.Frame) {
	if !t.addr.AcceptsFrame(f) {
		return
	}
	pdu, err := ParsePDU(f)
	if err != nil {
		t.fireError(InvalidFrameError{TransportError: NewTransportError(err.Error())})
		return
	}

	switch pdu.Type {
	case PDUFlowControl:
		t.handleFlowControl(pdu)

	case PDUSingleFrame:
		if t.rxState == rxWaitCF {
			t.fireError(UnexpectedFrameError{Kind: "single frame during reassembly"})
			t.stopReceiving()
		}
		t.push(pdu.Data)

	case PDUFirstFrame:
		if t.rxState == rxWaitCF {
			t.fireError(UnexpectedFrameError{Kind: "first frame during reassembly"})
			t.stopReceiving()
		}
		if pdu.Length > t.cfg.MaxFrameSize {
			t.fireError(FrameTooLongError{})
			t.sendFlowControl(tx, FlowOverflow)
			return
		}
		t.rxState = rxWaitCF
		t.rxBuffer = append([]byte{}, pdu.Data...)
		t.rxFrameLen = pdu.Length
		t.rxSeqNum = 1
		t.rxBlockCounter = 0
		t.sendFlowControl(tx, FlowContinueToSend)
		resetTimer(t.timerRxCF, t.cfg.TimeoutN_Cr)

	case PDUConsecutiveFrame:
		t.handleConsecutive(pdu, tx)
	}
}

func (t *Transport) handleConsecutive(pdu *PDU, tx chan<- frame.Frame) {
	if t.rxState != rxWaitCF {
		t.fireError(UnexpectedFrameError{Kind: "consecutive frame with no reassembly in progress"})
		return
	}
	if pdu.SeqNum != t.rxSeqNum {
		t.stopReceiving()
		t.fireError(SequenceError{})
		return
	}
	resetTimer(t.timerRxCF, t.cfg.TimeoutN_Cr)
	t.rxSeqNum = (t.rxSeqNum + 1) & 0xF

	need := t.rxFrameLen - len(t.rxBuffer)
	chunk := pdu.Data
	if len(chunk) > need {
		chunk = chunk[:need]
	}
	t.rxBuffer = append(t.rxBuffer, chunk...)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.push(t.rxBuffer)
		t.stopReceiving()
		return
	}
	t.rxBlockCounter++
	if t.cfg.BlockSize > 0 && t.rxBlockCounter%t.cfg.BlockSize == 0 {
		t.sendFlowControl(tx, FlowContinueToSend)
	}
}

func (t *Transport) handleFlowControl(pdu *PDU) {
	if t.txState == txIdle {
		t.fireError(UnexpectedFrameError{Kind: "flow control with no transmission in progress"})
		return
	}
	switch pdu.FlowStatus {
	case FlowOverflow:
		t.failSend(OverflowError{})

	case FlowWait:
		t.wftCounter++
		if t.wftCounter > t.cfg.MaxWaitFrame {
			t.failSend(MaxWaitFrameError{})
			return
		}
		t.txState = txWaitFC
		resetTimer(t.timerRxFC, t.cfg.TimeoutN_Bs)

	case FlowContinueToSend:
		stopTimer(t.timerRxFC)
		t.wftCounter = 0
		t.remoteBlockSize = pdu.BlockSize
		t.remoteSTmin = pdu.STmin
		t.txBlockCounter = 0
		t.txState = txSending
		resetTimer(t.timerSTmin, 0)
	}
}

func (t *Transport) startTransmission(req *txRequest, tx chan<- frame.Frame) {
	if len(req.payload) <= t.singleFrameCapacity() {
		tx <- t.makeFrame(SingleFrameData(req.payload), req.addrType)
		req.complete(nil)
		return
	}

	chunkLen := t.cfg.TxDataLength - 2
	if len(req.payload) > 0xFFF {
		chunkLen = t.cfg.TxDataLength - 6
	}
	chunk := req.payload[:chunkLen]
	tx <- t.makeFrame(FirstFrameData(len(req.payload), chunk), req.addrType)

	t.req = req
	t.txOffset = chunkLen
	t.txSeqNum = 1
	t.txState = txWaitFC
	resetTimer(t.timerRxFC, t.cfg.TimeoutN_Bs)
}

func (t *Transport) sendNextCF(tx chan<- frame.Frame) {
	if t.req == nil {
		return
	}
	chunk := t.req.payload[t.txOffset:]
	if max := t.cfg.TxDataLength - 1; len(chunk) > max {
		chunk = chunk[:max]
	}
	tx <- t.makeFrame(ConsecutiveFrameData(t.txSeqNum, chunk), t.req.addrType)
	t.txOffset += len(chunk)
	t.txSeqNum = (t.txSeqNum + 1) & 0xF

	if t.txOffset >= len(t.req.payload) {
		t.req.complete(nil)
		t.resetSendState()
		return
	}
	t.txBlockCounter++
	if t.remoteBlockSize > 0 && t.txBlockCounter >= t.remoteBlockSize {
		t.txBlockCounter = 0
		t.txState = txWaitFC
		resetTimer(t.timerRxFC, t.cfg.TimeoutN_Bs)
		return
	}
	resetTimer(t.timerSTmin, t.remoteSTmin)
}

func (t *Transport) sendFlowControl(tx chan<- frame.Frame, fs FlowStatus) {
	data := FlowControlData(fs, t.cfg.BlockSize, EncodeSTmin(t.cfg.STmin))
	tx <- t.makeFrame(data, Physical)
}

func (t *Transport) makeFrame(data []byte, at AddressType) frame.Frame {
	if t.cfg.PaddingByte != nil && len(data) < t.cfg.TxDataLength {
		pad := make([]byte, t.cfg.TxDataLength-len(data))
		for i := range pad {
			pad[i] = *t.cfg.PaddingByte
		}
		data = append(data, pad...)
	}
	return frame.Frame{
		ID:       t.addr.TxArbitrationID(at),
		Extended: t.addr.Extended,
		FD:       t.cfg.FD,
		Data:     data,
	}
}

func (t *Transport) singleFrameCapacity() int {
	if t.cfg.TxDataLength == 8 {
		return 7
	}
	return t.cfg.TxDataLength - 2
}

func (t *Transport) push(data []byte) {
	out := append([]byte{}, data...)
	select {
	case t.rxData <- out:
	default:
		t.fireError(NewTransportError("receive queue full, payload dropped"))
	}
}

func (t *Transport) failSend(err error) {
	t.fireError(err)
	if t.req != nil {
		t.req.complete(err)
	}
	t.resetSendState()
}

func (t *Transport) resetSendState() {
	t.req = nil
	t.txState = txIdle
	t.txOffset = 0
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.remoteBlockSize = 0
	t.remoteSTmin = 0
	t.wftCounter = 0
	stopTimer(t.timerRxFC)
	stopTimer(t.timerSTmin)
}

func (t *Transport) stopReceiving() {
	t.rxState = rxIdle
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerRxCF)
}

func (t *Transport) fireError(err error) {
	select {
	case t.errs <- err:
	default:
		t.log.Warn().Err(err).Msg("transport error dropped, channel full")
	}
}
