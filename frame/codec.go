package frame

// crcPoly is the CAN CRC-15 generator polynomial x^15+x^14+x^10+x^8+x^7+x^4+x^3+1.
const crcPoly = 0x4599

// crc15 computes the 15-bit CRC over a destuffed bit sequence.
func crc15(bits Bitstream) uint16 {
	var crc uint16
	for _, b := range bits {
		next := uint16(b&1) ^ (crc>>14)&1
		crc = (crc << 1) & 0x7FFF
		if next != 0 {
			crc ^= crcPoly
		}
	}
	return crc
}

// appendBits appends the n low bits of v, most significant first.
func appendBits(bits Bitstream, v uint32, n int) Bitstream {
	for i := n - 1; i >= 0; i-- {
		bits = append(bits, byte((v>>uint(i))&1))
	}
	return bits
}

// headerBits lays out SOF through DLC without stuffing.
func headerBits(f Frame) Bitstream {
	rtr := Dominant
	if f.Remote {
		rtr = Recessive
	}
	bits := Bitstream{Dominant} // SOF
	if f.Extended {
		bits = appendBits(bits, f.ID>>18, 11)
		bits = append(bits, Recessive, Recessive) // SRR, IDE
		bits = appendBits(bits, f.ID&0x3FFFF, 18)
		bits = append(bits, rtr, Dominant, Dominant) // RTR, r1, r0
	} else {
		bits = appendBits(bits, f.ID, 11)
		bits = append(bits, rtr, Dominant, Dominant) // RTR, IDE, r0
	}
	return appendBits(bits, uint32(f.DLC()), 4)
}

// ArbitrationBits returns the unstuffed arbitration field (SOF through the
// bits that settle contention) for the bus model. A standard-format frame
// includes its dominant IDE bit so that it outranks an extended frame with
// the same leading identifier bits.
func ArbitrationBits(f Frame) Bitstream {
	rtr := Dominant
	if f.Remote {
		rtr = Recessive
	}
	bits := Bitstream{Dominant}
	if f.Extended {
		bits = appendBits(bits, f.ID>>18, 11)
		bits = append(bits, Recessive, Recessive)
		bits = appendBits(bits, f.ID&0x3FFFF, 18)
		return append(bits, rtr)
	}
	bits = appendBits(bits, f.ID, 11)
	return append(bits, rtr, Dominant)
}

// stuff inserts a complementary bit after every run of five identical bits.
// Stuff bits themselves seed the following run.
func stuff(bits Bitstream) Bitstream {
	out := make(Bitstream, 0, len(bits)+len(bits)/5)
	run := 0
	var last byte
	for i, b := range bits {
		if i > 0 && b == last {
			run++
		} else {
			run = 1
			last = b
		}
		out = append(out, b)
		if run == 5 {
			s := b ^ 1
			out = append(out, s)
			last = s
			run = 1
		}
	}
	return out
}

// Encode serializes a classical frame to its bit-serial wire form: the
// stuffed region (SOF through CRC), then the CRC delimiter, a recessive ACK
// slot, the ACK delimiter and seven recessive end-of-frame bits.
func Encode(f Frame) (Bitstream, error) {
	if f.FD {
		return nil, ErrFDBitSerial
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	raw := headerBits(f)
	for _, b := range f.Data {
		raw = appendBits(raw, uint32(b), 8)
	}
	raw = appendBits(raw, uint32(crc15(raw)), 15)

	out := stuff(raw)
	out = append(out, Recessive)                     // CRC delimiter
	out = append(out, Recessive)                     // ACK slot
	out = append(out, Recessive)                     // ACK delimiter
	out = append(out, Recessive, Recessive, Recessive, Recessive,
		Recessive, Recessive, Recessive) // EOF
	return out, nil
}

// bitReader walks a bitstream removing stuff bits on the fly and keeping the
// destuffed sequence for CRC verification.
type bitReader struct {
	bits      Bitstream
	pos       int
	run       int
	last      byte
	destuffed Bitstream
}

func (r *bitReader) next() (byte, error) {
	if r.pos >= len(r.bits) {
		return 0, FormError{NewFrameError("truncated bitstream")}
	}
	b := r.bits[r.pos]
	r.pos++
	if r.run > 0 && b == r.last {
		r.run++
	} else {
		r.run = 1
		r.last = b
	}
	r.destuffed = append(r.destuffed, b)
	if r.run == 5 {
		if r.pos >= len(r.bits) {
			return 0, FormError{NewFrameError("truncated bitstream at stuff bit")}
		}
		s := r.bits[r.pos]
		r.pos++
		if s == b {
			return 0, StuffError{}
		}
		r.last = s
		r.run = 1
	}
	return b, nil
}

func (r *bitReader) read(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := r.next()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint32(b)
	}
	return v, nil
}

// raw reads one bit of the fixed-form region where stuffing does not apply.
func (r *bitReader) raw() (byte, error) {
	if r.pos >= len(r.bits) {
		return 0, FormError{NewFrameError("truncated bitstream")}
	}
	b := r.bits[r.pos]
	r.pos++
	return b, nil
}

// Decode deserializes a bit-serial frame. It removes stuff bits, recomputes
// the CRC over the destuffed field and validates every fixed-format bit.
// The returned frame carries the ACK slot result as observed on the wire.
func Decode(bits Bitstream) (Frame, error) {
	r := &bitReader{bits: bits}
	var f Frame

	sof, err := r.next()
	if err != nil {
		return f, err
	}
	if sof != Dominant {
		return f, FormError{NewFrameError("missing dominant start-of-frame")}
	}

	idBase, err := r.read(11)
	if err != nil {
		return f, err
	}
	arb, err := r.next() // RTR for standard, SRR for extended
	if err != nil {
		return f, err
	}
	ide, err := r.next()
	if err != nil {
		return f, err
	}
	if ide == Recessive {
		f.Extended = true
		idExt, err := r.read(18)
		if err != nil {
			return f, err
		}
		f.ID = idBase<<18 | idExt
		rtr, err := r.next()
		if err != nil {
			return f, err
		}
		f.Remote = rtr == Recessive
		if _, err := r.read(2); err != nil { // r1, r0
			return f, err
		}
	} else {
		f.ID = idBase
		f.Remote = arb == Recessive
		if _, err := r.next(); err != nil { // r0
			return f, err
		}
	}

	dlc, err := r.read(4)
	if err != nil {
		return f, err
	}
	if dlc > 8 {
		return f, FormError{NewFrameError("DLC out of range for classical frame")}
	}
	if !f.Remote && dlc > 0 {
		data := make([]byte, dlc)
		for i := range data {
			v, err := r.read(8)
			if err != nil {
				return f, err
			}
			data[i] = byte(v)
		}
		f.Data = data
	}

	covered := len(r.destuffed)
	rxCrc, err := r.read(15)
	if err != nil {
		return f, err
	}
	if uint16(rxCrc) != crc15(r.destuffed[:covered]) {
		return f, CrcError{}
	}

	delim, err := r.raw()
	if err != nil {
		return f, err
	}
	if delim != Recessive {
		return f, FormError{NewFrameError("CRC delimiter not recessive")}
	}
	ack, err := r.raw()
	if err != nil {
		return f, err
	}
	f.Acked = ack == Dominant
	ackDelim, err := r.raw()
	if err != nil {
		return f, err
	}
	if ackDelim != Recessive {
		return f, FormError{NewFrameError("ACK delimiter not recessive")}
	}
	for i := 0; i < 7; i++ {
		b, err := r.raw()
		if err != nil {
			return f, err
		}
		if b != Recessive {
			return f, FormError{NewFrameError("end-of-frame bit not recessive")}
		}
	}
	return f, nil
}
