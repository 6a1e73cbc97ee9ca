package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadSingleObject(t *testing.T) {
	payload := []byte(`{"device_id":"dev1","timestamp":"2026-08-25T10:00:00Z","displacement":1.5,"force":0.25}`)

	records, dropped, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, records, 1)
	assert.Equal(t, "dev1", records[0].DeviceID)
	assert.Equal(t, "2026-08-25T10:00:00Z", records[0].Timestamp)
	assert.Equal(t, 1.5, records[0].Displacement)
	assert.Equal(t, 0.25, records[0].Force)
}

func TestDecodePayloadBatch(t *testing.T) {
	payload := []byte(`[
		{"device_id":"dev1","timestamp":"t1","displacement":1,"force":2},
		{"device_id":"dev2","timestamp":"t2","displacement":3,"force":4},
		{"device_id":"dev1","timestamp":"t3","displacement":5,"force":6}
	]`)

	records, dropped, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, records, 3)

	// Order within the payload is preserved.
	assert.Equal(t, "dev1", records[0].DeviceID)
	assert.Equal(t, "dev2", records[1].DeviceID)
	assert.Equal(t, "dev1", records[2].DeviceID)
	assert.Equal(t, "t3", records[2].Timestamp)
}

func TestDecodePayloadLeadingWhitespace(t *testing.T) {
	payload := []byte("\n\t [{\"device_id\":\"dev1\"}]")

	records, dropped, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, records, 1)
}

func TestDecodePayloadBadElementDoesNotDiscardBatch(t *testing.T) {
	payload := []byte(`[
		{"device_id":"dev1","timestamp":"t1"},
		{"device_id":123},
		{"device_id":"dev2","timestamp":"t2"}
	]`)

	records, dropped, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, records, 2)
	assert.Equal(t, "dev1", records[0].DeviceID)
	assert.Equal(t, "dev2", records[1].DeviceID)
}

func TestDecodePayloadMissingDeviceID(t *testing.T) {
	records, dropped, err := DecodePayload([]byte(`[{"timestamp":"t1"},{"device_id":"dev1"}]`))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, records, 1)

	records, dropped, err = DecodePayload([]byte(`{"timestamp":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Empty(t, records)
}

func TestDecodePayloadDeviceToken(t *testing.T) {
	records, dropped, err := DecodePayload([]byte(`{"device_id":"dev1","device_token":"tok-9"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, records, 1)
	assert.Equal(t, "tok-9", records[0].DeviceToken)
}

func TestRecordKeepsZeroMessageIDOnRebroadcast(t *testing.T) {
	records, dropped, err := DecodePayload([]byte(`{"device_id":"dev1","message_id":0}`))
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, records, 1)

	// Broadcast re-serializes the record; message_id 0 must survive the
	// round trip instead of vanishing from the frame.
	out, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), `"message_id":0`)
}

func TestDecodePayloadErrors(t *testing.T) {
	cases := map[string][]byte{
		"empty":         []byte(""),
		"whitespace":    []byte("   \n"),
		"garbage":       []byte("not json"),
		"broken object": []byte(`{"device_id":`),
		"broken array":  []byte(`[{"device_id":"dev1"},`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodePayload(payload)
			assert.Error(t, err)
		})
	}
}
