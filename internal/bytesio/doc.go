// Package bytesio provides cursor-based byte and bit readers and writers
// over owned byte buffers. Readers hand out sub-slices of the input without
// copying; every read past the end of the buffer fails with [ErrEOF].
package bytesio
