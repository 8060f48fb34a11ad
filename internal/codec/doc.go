// Package codec parses the decoder configuration records and parameter
// sets carried in RTMP sequence headers: AVC (SPS/PPS, avcC), HEVC
// (VPS/SPS/PPS, hvcC), AV1 (sequence header OBU, av1C), AAC
// (AudioSpecificConfig) and Opus (OpusHead).
//
// Parsers are pure: they read bytes, return a typed record, and report
// malformed input with an error wrapping [ErrInvalidBitstream].
package codec
