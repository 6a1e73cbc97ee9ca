package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/registry"
	"github.com/CellMechLab/barytech/internal/routing"
	"github.com/CellMechLab/barytech/internal/telemetry"
)

type storeCall struct {
	device DeviceInfo
	rows   []DataRow
}

// fakeStore captures SaveDeviceData calls and can be told to fail.
type fakeStore struct {
	mu    sync.Mutex
	calls []storeCall
	err   error
}

func (f *fakeStore) SaveDeviceData(_ context.Context, device DeviceInfo, rows []DataRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, storeCall{device: device, rows: rows})
	return nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c.rows)
	}
	return n
}

func persistDeps(store DataStore) Deps {
	return Deps{
		Logger:   zerolog.Nop(),
		Stats:    monitoring.NewStats(),
		Registry: registry.New(),
		Routes:   routing.NewTable(nil),
		Store:    store,
	}
}

func persistConfig() Config {
	cfg := DefaultConfig()
	cfg.DBBatch = 3
	cfg.DBInterval = time.Hour // batch-size flushes only, unless a test shrinks it
	return cfg
}

func TestPersistFlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	dev := NewDevice(context.Background(), "dev1", persistConfig(), deps)

	for i := 0; i < 3; i++ {
		require.True(t, dev.OfferSave(telemetry.Record{
			DeviceID:     "dev1",
			Timestamp:    "2026-08-25T10:00:00Z",
			Displacement: float64(i),
			Force:        float64(i) * 2,
		}))
	}

	require.Eventually(t, func() bool {
		return store.rowCount() == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, store.callCount())
	call := store.calls[0]
	assert.Equal(t, "dev1", call.rows[0].DeviceID)
	assert.Equal(t, 2026, call.rows[0].Timestamp.Year())
	assert.Equal(t, int64(3), deps.Stats.DBSaved())
	assert.Equal(t, int64(0), deps.Stats.DBErrors())
}

func TestPersistFlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	cfg := persistConfig()
	cfg.DBBatch = 1000
	cfg.DBInterval = 50 * time.Millisecond
	dev := NewDevice(context.Background(), "dev1", cfg, deps)

	for i := 0; i < 2; i++ {
		require.True(t, dev.OfferSave(telemetry.Record{
			DeviceID:  "dev1",
			Timestamp: "2026-08-25T10:00:00Z",
		}))
	}

	// Far below the batch size; only the interval can flush these.
	require.Eventually(t, func() bool {
		return store.rowCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistSynthesizesDeviceRow(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	dev := NewDevice(context.Background(), "press-4", persistConfig(), deps)

	require.True(t, dev.OfferSave(telemetry.Record{
		DeviceID:    "press-4",
		Timestamp:   "2026-08-25T10:00:00Z",
		DeviceToken: "tok-abc",
	}))
	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "press-4", Timestamp: "2026-08-25T10:00:01Z"}))
	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "press-4", Timestamp: "2026-08-25T10:00:02Z"}))

	require.Eventually(t, func() bool {
		return store.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	device := store.calls[0].device
	assert.Equal(t, "press-4", device.ID)
	assert.Equal(t, "Device press-4", device.Name)
	assert.Equal(t, "sensor", device.Type)
	assert.Equal(t, "tok-abc", device.Token)
}

func TestPersistDefaultTokenWhenAbsent(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	cfg := persistConfig()
	cfg.DBBatch = 1
	dev := NewDevice(context.Background(), "dev1", cfg, deps)

	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "2026-08-25T10:00:00Z"}))

	require.Eventually(t, func() bool {
		return store.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "default_token", store.calls[0].device.Token)
}

func TestPersistExcludesBadTimestamps(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	dev := NewDevice(context.Background(), "dev1", persistConfig(), deps)

	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "2026-08-25T10:00:00Z"}))
	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "not-a-time"}))
	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "2026-08-25T10:00:02Z"}))

	require.Eventually(t, func() bool {
		return store.rowCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), deps.Stats.DBErrors())
	assert.Equal(t, int64(2), deps.Stats.DBSaved())
}

func TestPersistStoreFailureCountsBatch(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	deps := persistDeps(store)
	dev := NewDevice(context.Background(), "dev1", persistConfig(), deps)

	for i := 0; i < 3; i++ {
		require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "2026-08-25T10:00:00Z"}))
	}

	require.Eventually(t, func() bool {
		return deps.Stats.DBErrors() == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), deps.Stats.DBSaved())
	assert.Equal(t, 0, store.callCount())
}

func TestPersistFinalFlushOnShutdown(t *testing.T) {
	store := &fakeStore{}
	deps := persistDeps(store)
	ctx, cancel := context.WithCancel(context.Background())
	cfg := persistConfig()
	cfg.DBBatch = 1000
	dev := NewDevice(ctx, "dev1", cfg, deps)

	require.True(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1", Timestamp: "2026-08-25T10:00:00Z"}))

	// Give the worker a moment to pull the record, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		return store.rowCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfferSaveWithoutStore(t *testing.T) {
	deps := persistDeps(nil)
	dev := NewDevice(context.Background(), "dev1", persistConfig(), deps)

	assert.False(t, dev.OfferSave(telemetry.Record{DeviceID: "dev1"}))
}
