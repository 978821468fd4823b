package serializer

import "encoding/json"

// JSON is the default Serializer, using encoding/json for all
// broker-carried payloads.
type JSON struct{}

func (JSON) ID() string { return "json" }

func (JSON) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Deserialize(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
