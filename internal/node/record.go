package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/powledger/pkg/block"
)

// requiredFields must be present and non-empty on every submitted record.
var requiredFields = []string{"author", "content"}

var (
	// ErrInvalidRecord is returned when a submitted record is not a JSON object.
	ErrInvalidRecord = errors.New("record must be a JSON object")
	// ErrMissingField is returned when a required record field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// stampRecord checks the required fields of raw and returns it with the
// node-assigned "id" and "timestamp" fields set. Other field values are
// carried through as raw JSON so numbers keep their exact digits.
func stampRecord(raw []byte, now time.Time) (block.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrInvalidRecord
	}
	for _, f := range requiredFields {
		if isEmpty(fields[f]) {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}

	id, _ := json.Marshal(uuid.NewString())
	ts, _ := json.Marshal(now.UTC().Format(time.RFC3339Nano))
	fields["id"] = id
	fields["timestamp"] = ts

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return out, nil
}

// isEmpty reports whether v is absent, null or the empty string.
func isEmpty(v json.RawMessage) bool {
	if len(v) == 0 || string(v) == "null" {
		return true
	}
	if v[0] != '"' {
		return false
	}
	var s string
	return json.Unmarshal(v, &s) == nil && s == ""
}
