package serializer

import "github.com/vmihailenco/msgpack/v5"

// MsgPack is a compact binary Serializer for payload-size-sensitive
// callers, registered alongside JSON so bandwidth-conscious clients can
// negotiate a tighter wire format.
type MsgPack struct{}

func (MsgPack) ID() string { return "msgpack" }

func (MsgPack) Serialize(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPack) Deserialize(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
