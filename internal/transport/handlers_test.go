package transport

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/registry"
	"github.com/CellMechLab/barytech/internal/routing"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeSaver struct {
	enabled bool
}

func (f *fakeSaver) SetSave(enabled bool) { f.enabled = enabled }
func (f *fakeSaver) SaveEnabled() bool    { return f.enabled }

func newTestServer(pub Publisher, saver SaveSetter) *Server {
	return NewServer(Options{
		Addr:         ":0",
		Logger:       zerolog.Nop(),
		Stats:        monitoring.NewStats(),
		Registry:     registry.New(),
		Publisher:    pub,
		Saver:        saver,
		ControlTopic: "PAR",
	})
}

func testClientConn() *Conn {
	return newConn("1", nil, zerolog.Nop())
}

func TestControlSliderRepublishesVerbatim(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeSaver{})

	raw := []byte(`{"type":"slider","position":42.5,"channel":"z"}`)
	s.handleControl(testClientConn(), raw)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "PAR", pub.topics[0])
	// The payload is relayed byte for byte, extra fields included.
	assert.Equal(t, raw, pub.payloads[0])
}

func TestControlSliderPublishFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	s := newTestServer(pub, &fakeSaver{})

	s.handleControl(testClientConn(), []byte(`{"type":"slider"}`))
	assert.Empty(t, pub.payloads)
}

func TestControlSliderWithoutPublisher(t *testing.T) {
	s := newTestServer(nil, &fakeSaver{})

	// Must not panic when no broker is wired.
	s.handleControl(testClientConn(), []byte(`{"type":"slider"}`))
}

func TestControlSaveTogglesFlag(t *testing.T) {
	saver := &fakeSaver{}
	s := newTestServer(&fakePublisher{}, saver)

	s.handleControl(testClientConn(), []byte(`{"type":"save","save":true}`))
	assert.True(t, saver.enabled)

	s.handleControl(testClientConn(), []byte(`{"type":"save","save":false}`))
	assert.False(t, saver.enabled)

	// Missing field defaults to false.
	s.handleControl(testClientConn(), []byte(`{"type":"save"}`))
	assert.False(t, saver.enabled)
}

func TestControlUnknownTypeIgnored(t *testing.T) {
	pub := &fakePublisher{}
	saver := &fakeSaver{}
	s := newTestServer(pub, saver)

	s.handleControl(testClientConn(), []byte(`{"type":"mystery"}`))
	assert.Empty(t, pub.payloads)
	assert.False(t, saver.enabled)
}

func TestControlMalformedJSONIgnored(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(pub, &fakeSaver{})

	s.handleControl(testClientConn(), []byte(`{"type":`))
	assert.Empty(t, pub.payloads)
}

func TestReadHandshake(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"explicit client id", `{"client_id":"42"}`, "42"},
		{"missing client id", `{"other":"field"}`, routing.DefaultClientID},
		{"malformed json", `{"client_id":`, routing.DefaultClientID},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(nil, &fakeSaver{})
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()

			go wsutil.WriteClientText(client, []byte(tc.message))

			assert.Equal(t, tc.want, s.readHandshake(server))
		})
	}
}
