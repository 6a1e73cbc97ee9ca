package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one device measurement as it arrives from the broker.
//
// Timestamp stays a string on the hot path; it is only parsed when the
// persistence pipeline converts the record into a storage row. Broadcast
// forwards it untouched.
type Record struct {
	DeviceID     string  `json:"device_id"`
	Timestamp    string  `json:"timestamp"`
	Displacement float64 `json:"displacement"`
	Force        float64 `json:"force"`
	DeviceToken  string  `json:"device_token,omitempty"`
	MessageID    int64   `json:"message_id"`
}

// DecodePayload parses a raw broker payload into records.
//
// Publishers send either a single JSON object or a JSON array of objects
// (the batched form). Both are accepted; the batched form is detected by
// the first non-space byte.
//
// Returns the decoded records in payload order, the number of individual
// records that were dropped (element-level decode failure or missing
// device_id), and a non-nil error only when the outer payload itself is
// not valid JSON.
func DecodePayload(payload []byte) ([]Record, int, error) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("empty payload")
	}

	if trimmed[0] != '[' {
		var rec Record
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, 0, fmt.Errorf("decode record: %w", err)
		}
		if rec.DeviceID == "" {
			return nil, 1, nil
		}
		return []Record{rec}, 0, nil
	}

	// Batched form. Split into raw elements first so one bad element does
	// not discard the rest of the delivery.
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, 0, fmt.Errorf("decode batch: %w", err)
	}

	records := make([]Record, 0, len(elems))
	dropped := 0
	for _, raw := range elems {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Covers non-object elements and non-string device_id.
			dropped++
			continue
		}
		if rec.DeviceID == "" {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, dropped, nil
}
