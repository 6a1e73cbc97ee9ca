package mqttadapter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

type fakeQueue struct {
	payloads [][]byte
	reject   bool
}

func (f *fakeQueue) Offer(payload []byte) bool {
	if f.reject {
		return false
	}
	f.payloads = append(f.payloads, payload)
	return true
}

// fakeMessage satisfies the broker client's message interface.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestAdapter(queue IngressQueue, stats *monitoring.Stats) *Adapter {
	return New(Config{
		Host:     "localhost",
		Port:     1883,
		ClientID: "test-bridge",
	}, queue, stats, zerolog.Nop())
}

func TestOnMessageQueuesPayload(t *testing.T) {
	queue := &fakeQueue{}
	stats := monitoring.NewStats()
	a := newTestAdapter(queue, stats)

	a.onMessage(nil, &fakeMessage{
		topic:   "device_data/dev1",
		payload: []byte(`{"device_id":"dev1"}`),
	})

	require.Len(t, queue.payloads, 1)
	assert.Equal(t, `{"device_id":"dev1"}`, string(queue.payloads[0]))
	assert.Equal(t, int64(1), stats.MQTTReceived())
}

func TestOnMessageCopiesPayload(t *testing.T) {
	queue := &fakeQueue{}
	a := newTestAdapter(queue, monitoring.NewStats())

	original := []byte(`{"device_id":"dev1"}`)
	a.onMessage(nil, &fakeMessage{payload: original})

	// The client reuses its buffers; the queued payload must be a copy.
	original[0] = 'X'
	require.Len(t, queue.payloads, 1)
	assert.Equal(t, byte('{'), queue.payloads[0][0])
}

func TestOnMessageCountsEvenWhenQueueRejects(t *testing.T) {
	queue := &fakeQueue{reject: true}
	stats := monitoring.NewStats()
	a := newTestAdapter(queue, stats)

	a.onMessage(nil, &fakeMessage{payload: []byte(`{}`)})

	// Received counts every delivery; the queue accounts for the drop.
	assert.Equal(t, int64(1), stats.MQTTReceived())
	assert.Empty(t, queue.payloads)
}
