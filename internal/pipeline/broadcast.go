package pipeline

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/registry"
	"github.com/CellMechLab/barytech/internal/telemetry"
)

// runBroadcast is the per-device broadcast worker. It alternates between
// collecting records into an egress batch and emitting the batch to every
// connection registered for the device's target client identity.
func (d *Device) runBroadcast() {
	defer monitoring.RecoverPanic(d.deps.Logger, "broadcast_worker", map[string]any{
		"device_id": d.id,
	})

	timer := time.NewTimer(d.cfg.RecordWait)
	defer timer.Stop()

	for {
		batch, ok := d.collect(timer)
		if !ok {
			return
		}
		if len(batch) > 0 {
			d.emit(batch)
		}
	}
}

// collect blocks until a first record arrives, then accumulates records
// until the batch is full or the egress window since the first record has
// elapsed. The per-record wait bounds how long a partially filled batch
// lingers once the queue runs dry. Returns ok=false on shutdown.
func (d *Device) collect(timer *time.Timer) ([]telemetry.Record, bool) {
	var first telemetry.Record
	select {
	case first = <-d.broadcastQ:
	case <-d.ctx.Done():
		return nil, false
	}

	batch := make([]telemetry.Record, 0, d.cfg.EgressBatch)
	batch = append(batch, first)
	start := time.Now()

	for len(batch) < d.cfg.EgressBatch && time.Since(start) < d.cfg.EgressTimeout {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.RecordWait)

		select {
		case rec := <-d.broadcastQ:
			batch = append(batch, rec)
		case <-timer.C:
			// Queue ran dry for a full record wait; keep polling until the
			// window closes so a trailing burst still joins this batch.
		case <-d.ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

// emit serializes the batch once, compresses it above the threshold, and
// fans it out to every registered connection concurrently. Per-connection
// failures are counted and never abort the batch.
func (d *Device) emit(batch []telemetry.Record) {
	d.deps.Stats.AddDeviceProcessed(len(batch))

	clientID := d.deps.Routes.Resolve(d.id)
	conns := d.deps.Registry.ConnectionsOf(clientID)
	if len(conns) == 0 {
		// Broadcast, not a durable queue: no subscribers means the batch is
		// dropped without touching the error counters.
		d.deps.Logger.Debug().
			Str("device_id", d.id).
			Str("client_id", clientID).
			Int("batch_size", len(batch)).
			Msg("No subscribers for batch, dropping")
		return
	}

	body, err := json.Marshal(batch)
	if err != nil {
		d.deps.Stats.AddBroadcastErrors(len(conns))
		d.deps.Logger.Error().
			Err(err).
			Str("device_id", d.id).
			Int("batch_size", len(batch)).
			Msg("Failed to serialize broadcast batch")
		return
	}

	frame := EncodeFrame(body, d.cfg.CompressionThreshold)

	var (
		wg       sync.WaitGroup
		failures int64
	)
	for _, conn := range conns {
		wg.Add(1)
		go func(c registry.Conn) {
			defer wg.Done()
			if err := c.Send(frame); err != nil {
				atomic.AddInt64(&failures, 1)
				d.deps.Logger.Debug().
					Err(err).
					Str("device_id", d.id).
					Str("client_id", clientID).
					Msg("Broadcast send failed")
			}
		}(conn)
	}
	wg.Wait()

	failed := int(atomic.LoadInt64(&failures))
	if failed > 0 {
		d.deps.Stats.AddBroadcastErrors(failed)
	}
	if failed < len(conns) {
		d.deps.Stats.AddBroadcastSent(len(batch))
	}
}
