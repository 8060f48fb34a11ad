// Package rtmp implements the server side of RTMP publishing: the version 3
// handshake (simple and digest variants), the chunk stream codec, protocol
// control messages and AMF0 command dispatch.
//
// A [Conn] drives one TCP connection from handshake to unpublish and hands
// parsed FLV tags to a [Publisher] obtained from the [Handler]. [Server]
// accepts connections and runs a Conn per socket.
package rtmp
