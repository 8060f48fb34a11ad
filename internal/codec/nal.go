package codec

import "encoding/binary"

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP = 16
	HEVCNALCraNut = 21
	HEVCNALVPS    = 32
	HEVCNALSPS    = 33
	HEVCNALPPS    = 34
	HEVCNALAUD    = 35
)

// HEVCNALType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe returns true if the NAL type represents an HEVC random access
// point (BLA, IDR, or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// SplitLengthPrefixed splits an AVCC/HVCC sample into NAL units using
// lengthSize-byte big-endian length prefixes. A truncated trailing unit is
// dropped.
func SplitLengthPrefixed(data []byte, lengthSize int) [][]byte {
	var units [][]byte
	for len(data) >= lengthSize {
		var n int
		switch lengthSize {
		case 1:
			n = int(data[0])
		case 2:
			n = int(binary.BigEndian.Uint16(data))
		case 3:
			n = int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		default:
			n = int(binary.BigEndian.Uint32(data))
		}
		data = data[lengthSize:]
		if n > len(data) {
			break
		}
		units = append(units, data[:n])
		data = data[n:]
	}
	return units
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
