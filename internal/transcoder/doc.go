// Package transcoder connects publish sessions to transcoders.
//
// The ingest process keeps a table of transcode requests (Requests). Each
// publish session opens one and feeds its fMP4 segments into the returned
// Link. Transcoders find requests with Poll and claim one by sending Open
// on a Watch stream; the Service then relays the Link's queue to them and
// their Shutdown, Reclaim and Error messages back to the session.
//
// The Link queue is bounded. In DropOldest mode a full queue evicts the
// oldest non-keyframe fragment; in Block mode the publisher stalls until
// the transcoder catches up.
//
// Worker is the transcoder side: a passthrough that stores the source
// fragments and maintains the rendition index served by the edge.
package transcoder
