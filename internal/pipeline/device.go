// Package pipeline implements the per-device workers of the data plane:
// one broadcast worker and one persistence worker per observed device, each
// fed by its own bounded queue. Workers are created lazily on first record
// and run for the process lifetime.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/registry"
	"github.com/CellMechLab/barytech/internal/routing"
	"github.com/CellMechLab/barytech/internal/telemetry"
)

// Config carries the tuning knobs of both per-device workers. Defaults are
// the production values; tests shrink them.
type Config struct {
	EgressBatch          int           // records per broadcast batch
	EgressTimeout        time.Duration // max wall time per broadcast batch
	RecordWait           time.Duration // per-record wait while collecting
	CompressionThreshold int           // compress serialized batches above this many bytes
	BroadcastQueueSize   int
	DBBatch              int // records per store flush
	DBInterval           time.Duration
	SaveQueueSize        int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		EgressBatch:          2000,
		EgressTimeout:        50 * time.Millisecond,
		RecordWait:           5 * time.Millisecond,
		CompressionThreshold: 1000,
		BroadcastQueueSize:   10000,
		DBBatch:              500,
		DBInterval:           time.Second,
		SaveQueueSize:        10000,
	}
}

// Deps are the collaborators shared by all device pipelines.
type Deps struct {
	Logger   zerolog.Logger
	Stats    *monitoring.Stats
	Registry *registry.Registry
	Routes   *routing.Table
	Store    DataStore // nil disables the persistence worker

	// Workers tracks every spawned device worker so shutdown can wait for
	// final flushes. Defaulted by NewDevice when the caller leaves it nil.
	Workers *sync.WaitGroup
}

// Device is the pipeline state for one device id: two bounded queues and
// two lazily started workers. Devices are sticky; once created they are
// never destroyed.
type Device struct {
	id   string
	cfg  Config
	deps Deps
	ctx  context.Context

	broadcastQ chan telemetry.Record
	saveQ      chan telemetry.Record

	broadcastOnce sync.Once
	persistOnce   sync.Once
}

// NewDevice builds the pipeline state for a device. ctx bounds the worker
// lifetimes; in production it is the process context.
func NewDevice(ctx context.Context, id string, cfg Config, deps Deps) *Device {
	if deps.Workers == nil {
		deps.Workers = &sync.WaitGroup{}
	}
	return &Device{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		ctx:        ctx,
		broadcastQ: make(chan telemetry.Record, cfg.BroadcastQueueSize),
		saveQ:      make(chan telemetry.Record, cfg.SaveQueueSize),
	}
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// OfferBroadcast enqueues a record for broadcast without blocking. The
// broadcast worker is started on first use. Returns false when the queue is
// full; the caller owns loss accounting.
func (d *Device) OfferBroadcast(rec telemetry.Record) bool {
	d.broadcastOnce.Do(func() {
		d.deps.Workers.Add(1)
		go func() {
			defer d.deps.Workers.Done()
			d.runBroadcast()
		}()
	})
	select {
	case d.broadcastQ <- rec:
		return true
	default:
		return false
	}
}

// OfferSave enqueues a record for persistence without blocking. The
// persistence worker is started on first use. Returns false when the queue
// is full or no store is configured.
func (d *Device) OfferSave(rec telemetry.Record) bool {
	if d.deps.Store == nil {
		return false
	}
	d.persistOnce.Do(func() {
		d.deps.Workers.Add(1)
		go func() {
			defer d.deps.Workers.Done()
			d.runPersist()
		}()
	})
	select {
	case d.saveQ <- rec:
		return true
	default:
		return false
	}
}

// BroadcastQueueLen reports the broadcast queue depth.
func (d *Device) BroadcastQueueLen() int { return len(d.broadcastQ) }

// SaveQueueLen reports the persistence queue depth.
func (d *Device) SaveQueueLen() int { return len(d.saveQ) }
