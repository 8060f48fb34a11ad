package codec

import "github.com/zsiec/beam/internal/bytesio"

// bitParser wraps a BitReader with a sticky error so long syntax tables can
// be read without checking every field. Callers inspect err once at the end.
type bitParser struct {
	r   *bytesio.BitReader
	err error
}

func newBitParser(data []byte) *bitParser {
	return &bitParser{r: bytesio.NewBitReader(data)}
}

func (p *bitParser) u(n int) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadBits(n)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *bitParser) flag() bool { return p.u(1) == 1 }

func (p *bitParser) ue() uint64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadUE()
	if err != nil {
		p.err = err
	}
	return v
}

func (p *bitParser) se() int64 {
	if p.err != nil {
		return 0
	}
	v, err := p.r.ReadSE()
	if err != nil {
		p.err = err
	}
	return v
}

func (p *bitParser) skip(n int) {
	if p.err != nil {
		return
	}
	if err := p.r.Skip(n); err != nil {
		p.err = err
	}
}

// uvlc reads the AV1 variable length unsigned code (AV1 spec 4.10.3).
func (p *bitParser) uvlc() uint64 {
	leading := 0
	for p.err == nil {
		if p.flag() {
			break
		}
		leading++
	}
	if leading >= 32 {
		return 1<<32 - 1
	}
	return p.u(leading) + (1<<uint(leading) - 1)
}
