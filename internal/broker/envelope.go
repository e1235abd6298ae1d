package broker

import "encoding/json"

// Envelope is the JSON body of every published message.
type Envelope struct {
	Version string          `json:"version"`
	ID      int64           `json:"id"`
	Kind    string          `json:"kind"`
	Account uint32          `json:"account"`
	Height  int64           `json:"height"`
	Payload json.RawMessage `json:"payload"`
}
