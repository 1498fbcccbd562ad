// Package progress implements the progress tracker (§4.8): an in-memory
// aggregator of per-download events into a point-in-time snapshot, with a
// ring-buffered throughput sample used to render a current speed.
package progress

import (
	"sync"
	"time"
)

// EventKind distinguishes the three events a download can emit.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
)

// Event is what the plan executor emits for each in-flight download.
type Event struct {
	Kind       EventKind
	ID         string
	FileName   string
	ModName    string
	RelPath    string
	TotalBytes int64
	BytesDelta int64
	Success    bool
}

// Record is one in-flight download's state, as cloned into a Snapshot.
type Record struct {
	ID              string
	FileName        string
	ModName         string
	RelPath         string
	BytesDownloaded int64
	TotalBytes      int64
}

// ringSize is the number of recent throughput samples averaged into
// SpeedBps (§4.8).
const ringSize = 5

// sampleInterval is the minimum wall-clock gap between throughput samples.
const sampleInterval = 500 * time.Millisecond

// Tracker aggregates Started/Progress/Completed events from a plan
// executor into a queryable Snapshot. Safe for concurrent use: one
// executor goroutine per download calls Handle, while a separate caller
// (e.g. a CLI render loop) calls Snapshot.
type Tracker struct {
	mu sync.Mutex

	records map[string]*Record

	downloaded int
	failed     int
	totalFiles int
	totalBytes int64

	bucket     int64
	lastSample time.Time

	ring    [ringSize]float64
	ringLen int
	ringPos int
}

// NewTracker creates an empty Tracker. totalFiles and totalBytes seed the
// snapshot's denominators; they are not mutated by subsequent events.
func NewTracker(totalFiles int, totalBytes int64) *Tracker {
	return &Tracker{
		records:    make(map[string]*Record),
		totalFiles: totalFiles,
		totalBytes: totalBytes,
		lastSample: time.Now(),
	}
}

// Handle applies one event to the tracker's state.
func (t *Tracker) Handle(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case EventStarted:
		t.records[e.ID] = &Record{
			ID: e.ID, FileName: e.FileName, ModName: e.ModName, RelPath: e.RelPath, TotalBytes: e.TotalBytes,
		}
	case EventProgress:
		if r, ok := t.records[e.ID]; ok {
			r.BytesDownloaded += e.BytesDelta
		}

		t.bucket += e.BytesDelta
	case EventCompleted:
		delete(t.records, e.ID)

		if e.Success {
			t.downloaded++
		} else {
			t.failed++
		}
	}
}

// Snapshot is a point-in-time view of the tracker's aggregate state.
type Snapshot struct {
	Downloaded   int
	Failed       int
	TotalFiles   int
	TotalBytes   int64
	CurrentBytes int64
	SpeedBps     float64
	Records      []Record
}

// Snapshot samples the throughput ring (if ≥500ms have elapsed since the
// last sample) and returns the current totals plus cloned in-flight
// records (§4.8).
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastSample)

	if elapsed >= sampleInterval {
		bps := float64(t.bucket) / elapsed.Seconds()

		t.ring[t.ringPos] = bps
		t.ringPos = (t.ringPos + 1) % ringSize

		if t.ringLen < ringSize {
			t.ringLen++
		}

		t.bucket = 0
		t.lastSample = now
	}

	var speed float64
	if t.ringLen > 0 {
		var sum float64
		for i := 0; i < t.ringLen; i++ {
			sum += t.ring[i]
		}

		speed = sum / float64(t.ringLen)
	}

	var current int64

	records := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, *r)
		current += r.BytesDownloaded
	}

	return Snapshot{
		Downloaded:   t.downloaded,
		Failed:       t.failed,
		TotalFiles:   t.totalFiles,
		TotalBytes:   t.totalBytes,
		CurrentBytes: current,
		SpeedBps:     speed,
		Records:      records,
	}
}
