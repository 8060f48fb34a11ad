// Package bmff reads and writes the ISO base media file format boxes needed
// for fragmented MP4: the init segment (ftyp, moov and its track hierarchy)
// and media fragments (moof, mdat).
//
// Every box implements [Box]. Size reports the exact serialized length and
// Mux appends the serialized bytes, so callers can compute offsets such as
// trun.data_offset before writing. Box types this package does not model are
// preserved as [Unknown] so that parsing and re-muxing a file is lossless.
package bmff
