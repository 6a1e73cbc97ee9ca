package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/pipeline"
	"github.com/CellMechLab/barytech/internal/telemetry"
)

// Config tunes the dispatcher's drain loop.
type Config struct {
	MaxBatch     int           // max payloads per drain
	BatchTimeout time.Duration // wait for the first payload of a drain
	SaveDefault  bool          // initial state of the save flag
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxBatch:     2000,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Dispatcher drains the raw ingress queue in bounded batches, decodes
// payloads, groups records by device, and routes each group into that
// device's pipelines. It is the single consumer of the ingress queue and
// the owner of the device pipeline map.
type Dispatcher struct {
	queue   *Queue
	cfg     Config
	pipeCfg pipeline.Config
	deps    pipeline.Deps
	logger  zerolog.Logger
	stats   *monitoring.Stats
	ctx     context.Context

	mu      sync.Mutex
	devices map[string]*pipeline.Device

	saveFlag atomic.Bool
	started  atomic.Bool
	done     chan struct{}
}

// New builds a dispatcher. ctx bounds the run loop and all device workers
// spawned through this dispatcher.
func New(ctx context.Context, queue *Queue, cfg Config, pipeCfg pipeline.Config, deps pipeline.Deps) *Dispatcher {
	if deps.Workers == nil {
		deps.Workers = &sync.WaitGroup{}
	}
	d := &Dispatcher{
		queue:   queue,
		cfg:     cfg,
		pipeCfg: pipeCfg,
		deps:    deps,
		logger:  deps.Logger,
		stats:   deps.Stats,
		ctx:     ctx,
		devices: make(map[string]*pipeline.Device),
		done:    make(chan struct{}),
	}
	d.saveFlag.Store(cfg.SaveDefault)
	return d
}

// SetSave toggles the global persistence flag. Called from the transport
// when a client sends a save control message.
func (d *Dispatcher) SetSave(enabled bool) {
	d.saveFlag.Store(enabled)
	d.logger.Info().Bool("save", enabled).Msg("Save flag updated")
}

// SaveEnabled reports the current save flag. Relaxed semantics: workers may
// observe a toggle mid-group.
func (d *Dispatcher) SaveEnabled() bool { return d.saveFlag.Load() }

// Device returns the pipeline state for a device id, creating it lazily.
func (d *Dispatcher) Device(deviceID string) *pipeline.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceID]
	if !ok {
		dev = pipeline.NewDevice(d.ctx, deviceID, d.pipeCfg, d.deps)
		d.devices[deviceID] = dev
		d.logger.Info().Str("device_id", deviceID).Msg("Device pipeline created")
	}
	return dev
}

// DeviceCount reports how many device pipelines exist.
func (d *Dispatcher) DeviceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Run is the dispatcher loop. It exits when the dispatcher context is
// cancelled; errors never cross this boundary, they are converted to
// counters and logs.
func (d *Dispatcher) Run() {
	defer monitoring.RecoverPanic(d.logger, "dispatcher", nil)
	defer close(d.done)
	d.started.Store(true)

	d.logger.Info().
		Int("max_batch", d.cfg.MaxBatch).
		Dur("batch_timeout", d.cfg.BatchTimeout).
		Msg("Dispatcher started")

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info().Msg("Dispatcher stopped")
			return
		default:
		}

		payloads := d.queue.DrainUpTo(d.cfg.MaxBatch, d.cfg.BatchTimeout)
		if len(payloads) == 0 {
			continue
		}
		d.dispatch(payloads)
	}
}

// Wait blocks until the run loop has exited and every device worker has
// finished its final flush. Call after cancelling the dispatcher context.
func (d *Dispatcher) Wait() {
	if d.started.Load() {
		<-d.done
	}
	d.deps.Workers.Wait()
}

// deviceGroup keeps the records of one device in delivery order.
type deviceGroup struct {
	deviceID string
	records  []telemetry.Record
}

// dispatch decodes one drained batch and routes the records. Within one
// payload, record order is preserved through to the device queues.
func (d *Dispatcher) dispatch(payloads [][]byte) {
	// Group by device, preserving first-appearance order of devices and
	// arrival order of records within each device.
	var groups []deviceGroup
	index := make(map[string]int)

	for _, payload := range payloads {
		records, dropped, err := telemetry.DecodePayload(payload)
		if err != nil {
			d.stats.AddMQTTErrors(1)
			d.stats.RecordLoss(monitoring.LossStageParse, 1)
			d.logger.Warn().Err(err).Msg("Payload parse failed")
			continue
		}
		d.stats.AddMQTTParsed(1)
		if dropped > 0 {
			d.stats.AddMQTTErrors(dropped)
			d.stats.RecordLoss(monitoring.LossStageParse, dropped)
		}

		for _, rec := range records {
			i, ok := index[rec.DeviceID]
			if !ok {
				i = len(groups)
				index[rec.DeviceID] = i
				groups = append(groups, deviceGroup{deviceID: rec.DeviceID})
			}
			groups[i].records = append(groups[i].records, rec)
		}
	}

	saveEnabled := d.SaveEnabled()

	for _, g := range groups {
		dev := d.Device(g.deviceID)

		enqueued := 0
		for i, rec := range g.records {
			if !dev.OfferBroadcast(rec) {
				lost := len(g.records) - i
				d.stats.RecordLoss(monitoring.LossStageDeviceQueueFull, lost)
				d.logger.Warn().
					Str("device_id", g.deviceID).
					Int("lost", lost).
					Msg("Device broadcast queue full")
				break
			}
			enqueued++
		}
		d.stats.AddDeviceQueued(enqueued)

		if saveEnabled && d.deps.Store != nil {
			for i, rec := range g.records {
				if !dev.OfferSave(rec) {
					lost := len(g.records) - i
					d.stats.RecordLoss(monitoring.LossStageSaveQueueFull, lost)
					d.logger.Warn().
						Str("device_id", g.deviceID).
						Int("lost", lost).
						Msg("Device save queue full")
					break
				}
			}
		}
	}
}
