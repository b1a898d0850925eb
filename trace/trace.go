// Package trace captures bus traffic to CBOR trace files and reads them
// back, the interchange format of the `canstack trace` tooling.
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cantools/canstack/frame"
)

// Record is one captured frame with its capture timestamp.
type Record struct {
	Time     time.Time `cbor:"1,keyasint"`
	ID       uint32    `cbor:"2,keyasint"`
	Extended bool      `cbor:"3,keyasint,omitempty"`
	Remote   bool      `cbor:"4,keyasint,omitempty"`
	FD       bool      `cbor:"5,keyasint,omitempty"`
	Acked    bool      `cbor:"6,keyasint,omitempty"`
	Data     []byte    `cbor:"7,keyasint"`
}

// Frame rebuilds the captured frame.
func (r Record) Frame() frame.Frame {
	return frame.Frame{
		ID:       r.ID,
		Extended: r.Extended,
		Remote:   r.Remote,
		FD:       r.FD,
		Acked:    r.Acked,
		Data:     append([]byte{}, r.Data...),
	}
}

// Writer streams records to a CBOR sequence.
type Writer struct {
	enc   *cbor.Encoder
	count int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w)}
}

func (w *Writer) WriteFrame(f frame.Frame) error {
	rec := Record{
		Time:     time.Now(),
		ID:       f.ID,
		Extended: f.Extended,
		Remote:   f.Remote,
		FD:       f.FD,
		Acked:    f.Acked,
		Data:     f.Data,
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int { return w.count }

// Capture drains a frame channel, typically a bus tap, into the writer until
// the context ends or the channel closes.
func Capture(ctx context.Context, frames <-chan frame.Frame, w *Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := w.WriteFrame(f); err != nil {
				return err
			}
		}
	}
}

// Read decodes all records from a CBOR trace stream.
func Read(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("decode trace record: %w", err)
		}
		records = append(records, rec)
	}
}

// ReadFile loads a trace file from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
