package rtmp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	protocolVersion = 3
	handshakeSize   = 1536
	digestSize      = 32

	// Digest offset bases of the two C1/S1 layouts. The digest position is
	// derived from the four bytes at the base.
	digestBaseSchema0 = 8
	digestBaseSchema1 = 772

	serverVersion = 0x0d0e0a0d
)

var (
	clientKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'P', 'l', 'a', 'y', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	serverKey = []byte{
		'G', 'e', 'n', 'u', 'i', 'n', 'e', ' ', 'A', 'd', 'o', 'b', 'e', ' ',
		'F', 'l', 'a', 's', 'h', ' ', 'M', 'e', 'd', 'i', 'a', ' ',
		'S', 'e', 'r', 'v', 'e', 'r', ' ',
		'0', '0', '1',
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}
	clientKeyFirstHalf = clientKey[:30]
	serverKeyFirstHalf = serverKey[:36]
)

// hmacDigest returns HMAC-SHA256 over p, skipping the 32 bytes at gap when
// gap is not negative.
func hmacDigest(key, p []byte, gap int) []byte {
	h := hmac.New(sha256.New, key)
	if gap < 0 {
		h.Write(p)
	} else {
		h.Write(p[:gap])
		h.Write(p[gap+digestSize:])
	}
	return h.Sum(nil)
}

func digestOffset(p []byte, base int) int {
	sum := int(p[base]) + int(p[base+1]) + int(p[base+2]) + int(p[base+3])
	return sum%728 + base + 4
}

// findDigest looks for a valid digest under key in either layout and
// returns its offset and the layout base it was found with.
func findDigest(p, key []byte) (int, int, bool) {
	for _, base := range []int{digestBaseSchema1, digestBaseSchema0} {
		off := digestOffset(p, base)
		if hmac.Equal(p[off:off+digestSize], hmacDigest(key, p, off)) {
			return off, base, true
		}
	}
	return 0, 0, false
}

// clientDigest returns the digest embedded in C1 if it validates under the
// client key or the first half of the server key.
func clientDigest(c1 []byte) ([]byte, int, bool) {
	for _, key := range [][]byte{clientKeyFirstHalf, serverKeyFirstHalf} {
		if off, base, ok := findDigest(c1, key); ok {
			return c1[off : off+digestSize], base, true
		}
	}
	return nil, 0, false
}

// makeS1 fills s1 with the server time, version and random bytes and, when
// base is non-zero, embeds the server digest in that layout.
func makeS1(s1 []byte, epoch uint32, base int) error {
	if _, err := rand.Read(s1[8:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(s1[0:4], epoch)
	if base == 0 {
		binary.BigEndian.PutUint32(s1[4:8], 0)
		return nil
	}
	binary.BigEndian.PutUint32(s1[4:8], serverVersion)
	off := digestOffset(s1, base)
	copy(s1[off:], hmacDigest(serverKeyFirstHalf, s1, off))
	return nil
}

// makeS2 fills s2 with random bytes followed by an HMAC keyed by the HMAC
// of the client digest under the full server key.
func makeS2(s2, c1Digest []byte) error {
	if _, err := rand.Read(s2); err != nil {
		return err
	}
	key := hmacDigest(serverKey, c1Digest, -1)
	gap := len(s2) - digestSize
	copy(s2[gap:], hmacDigest(key, s2[:gap], -1))
	return nil
}

// serverHandshake runs the server side of the handshake on rw. The caller
// owns deadlines.
func serverHandshake(rw io.ReadWriter) error {
	var c0c1 [1 + handshakeSize]byte
	if _, err := io.ReadFull(rw, c0c1[:]); err != nil {
		return fmt.Errorf("read C0C1: %w", err)
	}
	if c0c1[0] != protocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, c0c1[0])
	}
	c1 := c0c1[1:]

	var s0s1s2 [1 + 2*handshakeSize]byte
	s0s1s2[0] = protocolVersion
	s1 := s0s1s2[1 : 1+handshakeSize]
	s2 := s0s1s2[1+handshakeSize:]

	epoch := binary.BigEndian.Uint32(c1[0:4])
	digest, base, ok := clientDigest(c1)
	if ok {
		if err := makeS1(s1, epoch, base); err != nil {
			return err
		}
		if err := makeS2(s2, digest); err != nil {
			return err
		}
	} else {
		if err := makeS1(s1, epoch, 0); err != nil {
			return err
		}
		copy(s2, c1)
	}

	if _, err := rw.Write(s0s1s2[:]); err != nil {
		return fmt.Errorf("write S0S1S2: %w", err)
	}

	// C2 is accepted as is; clients disagree on what it should echo.
	var c2 [handshakeSize]byte
	if _, err := io.ReadFull(rw, c2[:]); err != nil {
		return fmt.Errorf("read C2: %w", err)
	}
	return nil
}
