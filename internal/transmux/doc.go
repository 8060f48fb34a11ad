// Package transmux converts parsed FLV tags into fragmented MP4.
//
// A [Transmuxer] is fed tags in arrival order through [Transmuxer.Push] and
// returns the [Segment]s that became complete: an init segment (ftyp+moov)
// whenever the track set changes, followed by media fragments (moof+mdat)
// that start on video keyframes. Video uses track 1 with a 1 kHz timescale,
// audio uses track 2 with the codec's sample rate as timescale.
//
// The transmuxer is synchronous and owned by a single publish session.
package transmux
