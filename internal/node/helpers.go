package node

import (
	"encoding/json"

	"github.com/google/uuid"
)

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// newCorrelationID generates the "id" field for facade-originated command
// requests, the same role uuid plays for anti-entropy's request/response
// correlation in peerclient.go.
func newCorrelationID() string {
	return uuid.NewString()
}
