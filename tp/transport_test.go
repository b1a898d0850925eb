package tp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/bus"
	"github.com/cantools/canstack/frame"
)

func testAddressPair(t *testing.T) (*Address, *Address) {
	t.Helper()
	a, err := NewAddress(0x7E0, 0x7E8)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewAddress(0x7E8, 0x7E0)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

// pairedTransports wires two transports back to back over channels, so the
// full segmentation and flow control exchange runs without a bus.
func pairedTransports(t *testing.T, cfgA, cfgB Config) (*Transport, *Transport) {
	t.Helper()
	addrA, addrB := testAddressPair(t)
	a, err := NewTransport(addrA, cfgA, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTransport(addrB, cfgB, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	aToB := make(chan frame.Frame, 64)
	bToA := make(chan frame.Frame, 64)
	go a.Run(ctx, bToA, aToB)
	go b.Run(ctx, aToB, bToA)
	return a, b
}

func TestTransport_SingleFrameRoundTrip(t *testing.T) {
	a, b := pairedTransports(t, DefaultConfig(), DefaultConfig())

	payload := []byte{0x22, 0xF1, 0x90}
	if err := a.SendSync(context.Background(), payload); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received % X, want % X", got, payload)
	}
}

func TestTransport_MultiFrameRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 2 // force several FC exchanges
	a, b := pairedTransports(t, DefaultConfig(), cfg)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := a.SendSync(context.Background(), payload); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received % X, want % X", got, payload)
	}
}

func TestTransport_LargeTransferWithSTmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.STmin = time.Millisecond
	a, b := pairedTransports(t, DefaultConfig(), cfg)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.SendSync(context.Background(), payload); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("300-byte payload corrupted in transit")
	}
}

func TestTransport_MultiFrameOverSimulatedBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(zerolog.Nop())
	nodeA := b.Attach("a")
	nodeB := b.Attach("b")
	go b.Run(ctx, 50*time.Microsecond)

	addrA, addrB := testAddressPair(t)
	a, err := NewTransport(addrA, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bt, err := NewTransport(addrB, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	rxA, txA := bus.Bind(ctx, nodeA)
	rxB, txB := bus.Bind(ctx, nodeB)
	go a.Run(ctx, rxA, txA)
	go bt.Run(ctx, rxB, txB)

	// With STmin 0 the consecutive frames of one message hit the node queue
	// back to back, faster than the bus ticks them out; every frame must
	// still arrive, in order.
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := a.SendSync(context.Background(), payload); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	got, err := bt.Recv(rctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received % X, want % X", got, payload)
	}
}

func TestTransport_SequenceError(t *testing.T) {
	_, addrB := testAddressPair(t)
	b, err := NewTransport(addrB, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go b.Run(ctx, rx, tx)

	rx <- frame.Frame{ID: 0x7E0, Data: []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}}
	fc := <-tx
	if fc.Data[0]&0xF0 != 0x30 {
		t.Fatalf("expected flow control, got % X", fc.Data)
	}

	// Sequence number 2 when 1 is expected.
	rx <- frame.Frame{ID: 0x7E0, Data: []byte{0x22, 7, 8, 9, 10, 11, 12, 13}}

	select {
	case err := <-b.Errors():
		var seqErr SequenceError
		if !errors.As(err, &seqErr) {
			t.Fatalf("got %T (%v), want SequenceError", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported for wrong sequence number")
	}

	// The aborted session must not leave a partial payload behind.
	select {
	case data := <-b.Received():
		t.Fatalf("unexpected payload % X after sequence error", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_FlowControlTimeout(t *testing.T) {
	addrA, _ := testAddressPair(t)
	cfg := DefaultConfig()
	cfg.TimeoutN_Bs = 50 * time.Millisecond
	a, err := NewTransport(addrA, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go a.Run(ctx, rx, tx)

	// Nobody answers the first frame with a flow control.
	err = a.SendSync(context.Background(), make([]byte, 20))
	var toErr TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
}

func TestTransport_ConsecutiveFrameTimeout(t *testing.T) {
	_, addrB := testAddressPair(t)
	cfg := DefaultConfig()
	cfg.TimeoutN_Cr = 50 * time.Millisecond
	b, err := NewTransport(addrB, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go b.Run(ctx, rx, tx)

	rx <- frame.Frame{ID: 0x7E0, Data: []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}}
	<-tx // flow control

	select {
	case err := <-b.Errors():
		var toErr TimeoutError
		if !errors.As(err, &toErr) {
			t.Fatalf("got %T, want TimeoutError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout reported for missing consecutive frame")
	}
}

func TestTransport_ReceiverOverflow(t *testing.T) {
	small := DefaultConfig()
	small.MaxFrameSize = 10
	a, _ := pairedTransports(t, DefaultConfig(), small)

	err := a.SendSync(context.Background(), make([]byte, 20))
	var ovErr OverflowError
	if !errors.As(err, &ovErr) {
		t.Fatalf("got %v, want OverflowError", err)
	}
}

func TestTransport_WaitFrameLimit(t *testing.T) {
	addrA, _ := testAddressPair(t)
	cfg := DefaultConfig()
	cfg.MaxWaitFrame = 1
	a, err := NewTransport(addrA, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go a.Run(ctx, rx, tx)

	result := make(chan error, 1)
	go func() { result <- a.SendSync(context.Background(), make([]byte, 20)) }()

	ff := <-tx
	if ff.Data[0]&0xF0 != 0x10 {
		t.Fatalf("expected first frame, got % X", ff.Data)
	}
	wait := []byte{0x31, 0x00, 0x00}
	rx <- frame.Frame{ID: 0x7E8, Data: wait}
	rx <- frame.Frame{ID: 0x7E8, Data: wait}

	select {
	case err := <-result:
		var wfErr MaxWaitFrameError
		if !errors.As(err, &wfErr) {
			t.Fatalf("got %v, want MaxWaitFrameError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send never failed despite wait frame limit")
	}
}

func TestTransport_FunctionalSingleFrameOnly(t *testing.T) {
	addrA, _ := testAddressPair(t)
	addrA.WithFunctional(0x7DF)
	a, err := NewTransport(addrA, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendFunctional(make([]byte, 8)); err == nil {
		t.Fatal("functional send of 8 bytes must be rejected on classical CAN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go a.Run(ctx, rx, tx)

	if err := a.SendFunctional([]byte{0x3E, 0x80}); err != nil {
		t.Fatalf("SendFunctional: %v", err)
	}
	f := <-tx
	if f.ID != 0x7DF {
		t.Errorf("functional frame sent with ID %#x, want 0x7DF", f.ID)
	}
}

func TestTransport_Padding(t *testing.T) {
	addrA, _ := testAddressPair(t)
	cfg := DefaultConfig()
	pad := byte(0xCC)
	cfg.PaddingByte = &pad
	a, err := NewTransport(addrA, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go a.Run(ctx, rx, tx)

	if err := a.Send([]byte{0x10, 0x03}); err != nil {
		t.Fatal(err)
	}
	f := <-tx
	if len(f.Data) != 8 {
		t.Fatalf("padded frame has %d bytes, want 8", len(f.Data))
	}
	for _, b := range f.Data[3:] {
		if b != 0xCC {
			t.Fatalf("padding bytes = % X, want 0xCC fill", f.Data[3:])
		}
	}
}

func TestTransport_FrameFromOtherIDIgnored(t *testing.T) {
	_, addrB := testAddressPair(t)
	b, err := NewTransport(addrB, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := make(chan frame.Frame, 8)
	tx := make(chan frame.Frame, 8)
	go b.Run(ctx, rx, tx)

	rx <- frame.Frame{ID: 0x123, Data: []byte{0x02, 0xAA, 0xBB}}
	select {
	case data := <-b.Received():
		t.Fatalf("payload % X accepted from foreign identifier", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewTransport_Validation(t *testing.T) {
	addrA, _ := testAddressPair(t)
	bad := DefaultConfig()
	bad.TxDataLength = 64 // FD flag missing
	if _, err := NewTransport(addrA, bad, zerolog.Nop()); err == nil {
		t.Fatal("expected config validation error")
	}
	if _, err := NewTransport(nil, DefaultConfig(), zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil address")
	}
}
