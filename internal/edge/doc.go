// Package edge delivers live renditions to viewers.
//
// Segment notifications flow through two TopicMaps. The origin map is fed
// by transcoder workers; each edge topic relays one origin topic through a
// single upstream subscription started by Fanout, however many viewers
// subscribe. The Server renders HLS playlists from the rendition indexes
// in the metadata store, serves init and media segments from the media
// store, and answers blocking playlist reloads (_HLS_msn) by waiting on the
// edge topic of the rendition.
package edge
