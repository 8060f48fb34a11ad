package codec

import (
	"errors"
	"fmt"
)

// ErrInvalidBitstream is wrapped by every parse failure in this package.
var ErrInvalidBitstream = errors.New("codec: invalid bitstream")

func invalid(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrInvalidBitstream, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidBitstream, what, err)
}
