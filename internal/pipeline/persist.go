package pipeline

import (
	"context"
	"time"

	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/telemetry"
)

// DeviceInfo carries the attributes synthesized for a device row created
// lazily on first persistence.
type DeviceInfo struct {
	ID    string
	Name  string
	Type  string
	Token string
}

// DataRow is one measurement ready for the store.
type DataRow struct {
	DeviceID     string
	Timestamp    time.Time
	Displacement float64
	Force        float64
}

// DataStore is the persistence collaborator of the device pipelines. The
// implementation must create the device row if absent and write all rows in
// one transaction, rolling back on failure.
type DataStore interface {
	SaveDeviceData(ctx context.Context, device DeviceInfo, rows []DataRow) error
}

const (
	defaultDeviceType  = "sensor"
	defaultDeviceToken = "default_token"

	storeWriteTimeout = 10 * time.Second
)

// runPersist is the per-device persistence worker: accumulate records from
// the save queue and flush them to the store in bulk, either when the batch
// fills or on the flush interval.
func (d *Device) runPersist() {
	defer monitoring.RecoverPanic(d.deps.Logger, "persist_worker", map[string]any{
		"device_id": d.id,
	})

	pending := make([]telemetry.Record, 0, d.cfg.DBBatch)
	lastFlush := time.Now()

	ticker := time.NewTicker(d.cfg.DBInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-d.saveQ:
			pending = append(pending, rec)
			if len(pending) >= d.cfg.DBBatch || time.Since(lastFlush) >= d.cfg.DBInterval {
				d.flush(pending)
				pending = pending[:0]
				lastFlush = time.Now()
			}

		case <-ticker.C:
			if len(pending) > 0 {
				d.flush(pending)
				pending = pending[:0]
				lastFlush = time.Now()
			}

		case <-d.ctx.Done():
			// Drain whatever is still queued before the final flush so
			// records accepted by OfferSave are not lost to shutdown.
			for {
				select {
				case rec := <-d.saveQ:
					pending = append(pending, rec)
					continue
				default:
				}
				break
			}
			if len(pending) > 0 {
				d.flush(pending)
			}
			return
		}
	}
}

// flush converts pending records to storage rows and performs one bulk
// insert. Rows with unparseable timestamps are excluded and counted; a
// failed write counts the whole batch and the worker moves on (the store
// rolls back, no record-level retry).
func (d *Device) flush(pending []telemetry.Record) {
	device := DeviceInfo{
		ID:    d.id,
		Name:  "Device " + d.id,
		Type:  defaultDeviceType,
		Token: defaultDeviceToken,
	}
	if tok := pending[0].DeviceToken; tok != "" {
		device.Token = tok
	}

	rows := make([]DataRow, 0, len(pending))
	for _, rec := range pending {
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			d.deps.Stats.AddDBErrors(1)
			d.deps.Logger.Warn().
				Str("device_id", d.id).
				Str("timestamp", rec.Timestamp).
				Msg("Record excluded from flush: bad timestamp")
			continue
		}
		rows = append(rows, DataRow{
			DeviceID:     rec.DeviceID,
			Timestamp:    ts.UTC(),
			Displacement: rec.Displacement,
			Force:        rec.Force,
		})
	}
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err := d.deps.Store.SaveDeviceData(ctx, device, rows); err != nil {
		d.deps.Stats.AddDBErrors(len(rows))
		d.deps.Logger.Error().
			Err(err).
			Str("device_id", d.id).
			Int("batch_size", len(rows)).
			Msg("Store batch write failed")
		return
	}
	d.deps.Stats.AddDBSaved(len(rows))

	d.deps.Logger.Debug().
		Str("device_id", d.id).
		Int("batch_size", len(rows)).
		Msg("Batch persisted")
}
