package monitoring

import (
	"sync"
	"sync/atomic"
	"time"
)

// Loss stages. Every place the data plane drops a record tags the drop with
// one of these so loss is always attributable.
const (
	LossStageParse           = "parse"
	LossStageQueueFull       = "queue_full"
	LossStageDeviceQueueFull = "device_queue_full"
	LossStageSaveQueueFull   = "save_queue_full"
)

// Stats tracks the per-stage counters of the data plane.
//
// All counter fields are updated atomically and mirrored into the Prometheus
// collectors. Snapshots are point-in-time and not necessarily consistent
// across fields; that is acceptable for monitoring.
type Stats struct {
	StartTime time.Time

	mqttReceived    int64
	mqttParsed      int64
	mqttErrors      int64
	deviceQueued    int64
	deviceProcessed int64
	broadcastSent   int64
	broadcastErrors int64
	dbSaved         int64
	dbErrors        int64

	lossMu      sync.RWMutex
	lossByStage map[string]int64
}

func NewStats() *Stats {
	return &Stats{
		StartTime:   time.Now(),
		lossByStage: make(map[string]int64),
	}
}

func (s *Stats) AddMQTTReceived(n int) {
	atomic.AddInt64(&s.mqttReceived, int64(n))
	mqttReceived.Add(float64(n))
}

func (s *Stats) AddMQTTParsed(n int) {
	atomic.AddInt64(&s.mqttParsed, int64(n))
	mqttParsed.Add(float64(n))
}

func (s *Stats) AddMQTTErrors(n int) {
	atomic.AddInt64(&s.mqttErrors, int64(n))
	mqttErrors.Add(float64(n))
}

func (s *Stats) AddDeviceQueued(n int) {
	atomic.AddInt64(&s.deviceQueued, int64(n))
	deviceQueued.Add(float64(n))
}

func (s *Stats) AddDeviceProcessed(n int) {
	atomic.AddInt64(&s.deviceProcessed, int64(n))
	deviceProcessed.Add(float64(n))
}

func (s *Stats) AddBroadcastSent(n int) {
	atomic.AddInt64(&s.broadcastSent, int64(n))
	broadcastSent.Add(float64(n))
}

func (s *Stats) AddBroadcastErrors(n int) {
	atomic.AddInt64(&s.broadcastErrors, int64(n))
	broadcastErrors.Add(float64(n))
}

func (s *Stats) AddDBSaved(n int) {
	atomic.AddInt64(&s.dbSaved, int64(n))
	dbSaved.Add(float64(n))
}

func (s *Stats) AddDBErrors(n int) {
	atomic.AddInt64(&s.dbErrors, int64(n))
	dbErrors.Add(float64(n))
}

// RecordLoss counts n records dropped at the given stage.
func (s *Stats) RecordLoss(stage string, n int) {
	if n <= 0 {
		return
	}
	s.lossMu.Lock()
	s.lossByStage[stage] += int64(n)
	s.lossMu.Unlock()
	messageLoss.WithLabelValues(stage).Add(float64(n))
}

// LossByStage returns the number of records dropped at one stage.
func (s *Stats) LossByStage(stage string) int64 {
	s.lossMu.RLock()
	defer s.lossMu.RUnlock()
	return s.lossByStage[stage]
}

func (s *Stats) MQTTReceived() int64    { return atomic.LoadInt64(&s.mqttReceived) }
func (s *Stats) MQTTParsed() int64      { return atomic.LoadInt64(&s.mqttParsed) }
func (s *Stats) MQTTErrors() int64      { return atomic.LoadInt64(&s.mqttErrors) }
func (s *Stats) DeviceQueued() int64    { return atomic.LoadInt64(&s.deviceQueued) }
func (s *Stats) DeviceProcessed() int64 { return atomic.LoadInt64(&s.deviceProcessed) }
func (s *Stats) BroadcastSent() int64   { return atomic.LoadInt64(&s.broadcastSent) }
func (s *Stats) BroadcastErrors() int64 { return atomic.LoadInt64(&s.broadcastErrors) }
func (s *Stats) DBSaved() int64         { return atomic.LoadInt64(&s.dbSaved) }
func (s *Stats) DBErrors() int64        { return atomic.LoadInt64(&s.dbErrors) }

// Snapshot is a point-in-time view of the counters with derived rates.
type Snapshot struct {
	MQTTReceived    int64   `json:"mqtt_received"`
	MQTTParsed      int64   `json:"mqtt_parsed"`
	MQTTErrors      int64   `json:"mqtt_errors"`
	DeviceQueued    int64   `json:"device_queued"`
	DeviceProcessed int64   `json:"device_processed"`
	BroadcastSent   int64   `json:"broadcast_sent"`
	BroadcastErrors int64   `json:"broadcast_errors"`
	DBSaved         int64   `json:"db_saved"`
	DBErrors        int64   `json:"db_errors"`
	ElapsedSeconds  float64 `json:"elapsed_time"`
	ProcessingRate  float64 `json:"processing_rate"`
	BroadcastRate   float64 `json:"broadcast_rate"`
	DBRate          float64 `json:"db_rate"`

	MessageLoss map[string]int64 `json:"message_loss"`
}

func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.StartTime).Seconds()

	snap := Snapshot{
		MQTTReceived:    s.MQTTReceived(),
		MQTTParsed:      s.MQTTParsed(),
		MQTTErrors:      s.MQTTErrors(),
		DeviceQueued:    s.DeviceQueued(),
		DeviceProcessed: s.DeviceProcessed(),
		BroadcastSent:   s.BroadcastSent(),
		BroadcastErrors: s.BroadcastErrors(),
		DBSaved:         s.DBSaved(),
		DBErrors:        s.DBErrors(),
		ElapsedSeconds:  elapsed,
		MessageLoss:     make(map[string]int64),
	}
	if elapsed > 0 {
		snap.ProcessingRate = float64(snap.DeviceProcessed) / elapsed
		snap.BroadcastRate = float64(snap.BroadcastSent) / elapsed
		snap.DBRate = float64(snap.DBSaved) / elapsed
	}

	s.lossMu.RLock()
	for stage, n := range s.lossByStage {
		snap.MessageLoss[stage] = n
	}
	s.lossMu.RUnlock()

	return snap
}
