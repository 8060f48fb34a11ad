package rtmp

import (
	"fmt"

	"github.com/zsiec/beam/internal/amf0"
	"github.com/zsiec/beam/internal/bytesio"
)

// MessageType is the RTMP message type id.
type MessageType uint8

// Message types.
const (
	TypeSetChunkSize     MessageType = 1
	TypeAbort            MessageType = 2
	TypeAck              MessageType = 3
	TypeUserControl      MessageType = 4
	TypeWindowAckSize    MessageType = 5
	TypeSetPeerBandwidth MessageType = 6
	TypeAudio            MessageType = 8
	TypeVideo            MessageType = 9
	TypeDataAMF3         MessageType = 15
	TypeCommandAMF3      MessageType = 17
	TypeDataAMF0         MessageType = 18
	TypeCommandAMF0      MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case TypeSetChunkSize:
		return "SetChunkSize"
	case TypeAbort:
		return "Abort"
	case TypeAck:
		return "Acknowledgement"
	case TypeUserControl:
		return "UserControl"
	case TypeWindowAckSize:
		return "WindowAcknowledgementSize"
	case TypeSetPeerBandwidth:
		return "SetPeerBandwidth"
	case TypeAudio:
		return "Audio"
	case TypeVideo:
		return "Video"
	case TypeDataAMF3:
		return "DataAMF3"
	case TypeCommandAMF3:
		return "CommandAMF3"
	case TypeDataAMF0:
		return "DataAMF0"
	case TypeCommandAMF0:
		return "CommandAMF0"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// User control event types.
const (
	EventStreamBegin  uint16 = 0
	EventStreamEOF    uint16 = 1
	EventStreamDry    uint16 = 2
	EventSetBufferLen uint16 = 3
	EventIsRecorded   uint16 = 4
	EventPingRequest  uint16 = 6
	EventPingResponse uint16 = 7
)

// SetPeerBandwidth limit types.
const (
	LimitHard    = 0
	LimitSoft    = 1
	LimitDynamic = 2
)

// Chunk stream ids used for outbound messages.
const (
	csidControl = 2
	csidCommand = 3
	csidStream  = 5
)

// Message is one reassembled RTMP message.
type Message struct {
	Type      MessageType
	StreamID  uint32
	Timestamp uint32
	Payload   []byte
}

func controlMessage(t MessageType, v uint32) *Message {
	w := bytesio.NewWriter(4)
	w.PutU32(v)
	return &Message{Type: t, Payload: w.Bytes()}
}

func setChunkSizeMessage(size uint32) *Message {
	return controlMessage(TypeSetChunkSize, size)
}

func windowAckSizeMessage(size uint32) *Message {
	return controlMessage(TypeWindowAckSize, size)
}

func ackMessage(sequence uint32) *Message {
	return controlMessage(TypeAck, sequence)
}

func setPeerBandwidthMessage(size uint32, limit uint8) *Message {
	w := bytesio.NewWriter(5)
	w.PutU32(size)
	w.PutU8(limit)
	return &Message{Type: TypeSetPeerBandwidth, Payload: w.Bytes()}
}

func userControlMessage(event uint16, data uint32) *Message {
	w := bytesio.NewWriter(6)
	w.PutU16(event)
	w.PutU32(data)
	return &Message{Type: TypeUserControl, Payload: w.Bytes()}
}

func commandMessage(streamID uint32, values ...any) (*Message, error) {
	payload, err := amf0.EncodeAll(values...)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeCommandAMF0, StreamID: streamID, Payload: payload}, nil
}

func statusObject(level, code, description string) amf0.Object {
	return amf0.Object{
		{Key: "level", Value: level},
		{Key: "code", Value: code},
		{Key: "description", Value: description},
	}
}

// Status codes sent in onStatus and _result/_error info objects.
const (
	CodeConnectSuccess  = "NetConnection.Connect.Success"
	CodeConnectRejected = "NetConnection.Connect.Rejected"
	CodePublishStart    = "NetStream.Publish.Start"
	CodePublishBadName  = "NetStream.Publish.BadName"
	CodePlayFailed      = "NetStream.Play.Failed"
)
