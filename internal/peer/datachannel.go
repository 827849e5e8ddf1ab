package peer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// DataChannelLabel names the in-call data channel opened by the offerer.
const DataChannelLabel = "consult"

type DataType string

const (
	DataChat       DataType = "chat"
	DataTyping     DataType = "typing"
	DataMediaState DataType = "media-state"
)

// DataMessage is one msgpack frame on the in-call data channel.
type DataMessage struct {
	Type    DataType           `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type ChatPayload struct {
	Text      string `msgpack:"text"`
	ClientKey string `msgpack:"clientKey"`
	SentAt    int64  `msgpack:"sentAt"`
}

type TypingPayload struct {
	Typing bool `msgpack:"typing"`
}

type MediaStatePayload struct {
	AudioEnabled bool `msgpack:"audioEnabled"`
	VideoEnabled bool `msgpack:"videoEnabled"`
}

func NewDataMessage(t DataType, payload any) (DataMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return DataMessage{}, err
	}
	return DataMessage{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (m DataMessage) Decode(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func encodeData(m DataMessage) ([]byte, error) {
	return msgpack.Marshal(m)
}

func decodeData(b []byte) (DataMessage, error) {
	var m DataMessage
	err := msgpack.Unmarshal(b, &m)
	return m, err
}
