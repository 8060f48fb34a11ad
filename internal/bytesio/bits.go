package bytesio

// BitReader reads bits MSB-first from a byte slice.
type BitReader struct {
	data   []byte
	bitPos int
}

// NewBitReader returns a BitReader positioned at the first bit of data.
func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

// BitPos returns the number of bits consumed.
func (r *BitReader) BitPos() int { return r.bitPos }

// BitsLeft returns the number of unread bits.
func (r *BitReader) BitsLeft() int { return len(r.data)*8 - r.bitPos }

// Aligned reports whether the reader sits on a byte boundary.
func (r *BitReader) Aligned() bool { return r.bitPos%8 == 0 }

// ReadBit reads a single bit.
func (r *BitReader) ReadBit() (bool, error) {
	if r.bitPos >= len(r.data)*8 {
		return false, ErrEOF
	}
	v := r.data[r.bitPos/8]>>(7-uint(r.bitPos%8))&1 == 1
	r.bitPos++
	return v, nil
}

// ReadBits reads n (≤ 64) bits as an unsigned integer.
func (r *BitReader) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, ErrEOF
	}
	if n > r.BitsLeft() {
		return 0, ErrEOF
	}
	var v uint64
	for n > 0 {
		// take as many bits as remain in the current byte
		off := r.bitPos % 8
		take := 8 - off
		if take > n {
			take = n
		}
		b := uint64(r.data[r.bitPos/8]>>(8-uint(off)-uint(take))) & (1<<uint(take) - 1)
		v = v<<uint(take) | b
		r.bitPos += take
		n -= take
	}
	return v, nil
}

// ReadFlag reads one bit as a bool; it is ReadBit under a name that reads
// better next to syntax-element names.
func (r *BitReader) ReadFlag() (bool, error) { return r.ReadBit() }

// ReadUE reads an unsigned Exp-Golomb code.
func (r *BitReader) ReadUE() (uint64, error) {
	zeros := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, ErrEOF
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1<<uint(zeros) - 1) + suffix, nil
}

// ReadSE reads a signed Exp-Golomb code.
func (r *BitReader) ReadSE() (int64, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int64(v / 2), nil
	}
	return int64((v + 1) / 2), nil
}

// ReadLEB128 reads an AV1 leb128 value from byte-aligned input.
func (r *BitReader) ReadLEB128() (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := r.ReadBits(8)
		if err != nil {
			return 0, err
		}
		v |= (b & 0x7f) << (uint(i) * 7)
		if b&0x80 == 0 {
			break
		}
	}
	return v, nil
}

// Align skips to the next byte boundary. It is a no-op when already aligned.
func (r *BitReader) Align() {
	if rem := r.bitPos % 8; rem != 0 {
		r.bitPos += 8 - rem
	}
}

// Skip advances n bits.
func (r *BitReader) Skip(n int) error {
	return r.SeekBits(n)
}

// SeekBits moves the read position by delta bits, which may be negative.
func (r *BitReader) SeekBits(delta int) error {
	p := r.bitPos + delta
	if p < 0 || p > len(r.data)*8 {
		return ErrEOF
	}
	r.bitPos = p
	return nil
}

// BitWriter writes bits MSB-first into a growing byte slice.
type BitWriter struct {
	data   []byte
	bitPos int
}

// NewBitWriter returns an empty BitWriter.
func NewBitWriter() *BitWriter {
	return &BitWriter{}
}

// WriteBit appends one bit.
func (w *BitWriter) WriteBit(v bool) {
	if w.bitPos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if v {
		w.data[w.bitPos/8] |= 1 << (7 - uint(w.bitPos%8))
	}
	w.bitPos++
}

// WriteBits appends the low n (≤ 64) bits of v, MSB first.
func (w *BitWriter) WriteBits(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit((v>>uint(i))&1 == 1)
	}
}

// WriteUE appends v as an unsigned Exp-Golomb code.
func (w *BitWriter) WriteUE(v uint64) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.WriteBits(n, 0)
	w.WriteBits(n+1, v)
}

// Align pads with zero bits up to the next byte boundary.
func (w *BitWriter) Align() {
	if rem := w.bitPos % 8; rem != 0 {
		w.bitPos += 8 - rem
	}
}

// BitPos returns the number of bits written.
func (w *BitWriter) BitPos() int { return w.bitPos }

// Bytes aligns the writer and returns the finalized buffer.
func (w *BitWriter) Bytes() []byte {
	w.Align()
	return w.data
}
