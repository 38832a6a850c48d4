package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const ringSize = 60

// Collector tracks run progress with lock-free counters that workers update
// concurrently.
type Collector struct {
	startTime time.Time

	partsTotal    atomic.Int64
	partsVerified atomic.Int64
	partsFailed   atomic.Int64
	partsAwaiting atomic.Int64
	bytesTotal    atomic.Int64
	bytesArchived atomic.Int64
	bytesHashed   atomic.Int64
	bytesUploaded atomic.Int64
	retries       atomic.Int64

	// Ring buffer of upload throughput, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records how many parts and bytes this invocation will move.
func (c *Collector) SetTotals(parts, bytes int64) {
	c.partsTotal.Store(parts)
	c.bytesTotal.Store(bytes)
}

func (c *Collector) AddPartsVerified(n int64) { c.partsVerified.Add(n) }
func (c *Collector) AddPartsFailed(n int64)   { c.partsFailed.Add(n) }
func (c *Collector) AddPartsAwaiting(n int64) { c.partsAwaiting.Add(n) }
func (c *Collector) AddBytesArchived(n int64) { c.bytesArchived.Add(n) }
func (c *Collector) AddBytesHashed(n int64)   { c.bytesHashed.Add(n) }
func (c *Collector) AddBytesUploaded(n int64) { c.bytesUploaded.Add(n) }
func (c *Collector) AddRetries(n int64)       { c.retries.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	PartsTotal    int64
	PartsVerified int64
	PartsFailed   int64
	PartsAwaiting int64
	BytesTotal    int64
	BytesArchived int64
	BytesHashed   int64
	BytesUploaded int64
	Retries       int64
	Elapsed       time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		PartsTotal:    c.partsTotal.Load(),
		PartsVerified: c.partsVerified.Load(),
		PartsFailed:   c.partsFailed.Load(),
		PartsAwaiting: c.partsAwaiting.Load(),
		BytesTotal:    c.bytesTotal.Load(),
		BytesArchived: c.bytesArchived.Load(),
		BytesHashed:   c.bytesHashed.Load(),
		BytesUploaded: c.bytesUploaded.Load(),
		Retries:       c.retries.Load(),
		Elapsed:       c.Elapsed(),
	}
}

// Tick records the upload delta since the previous tick. Called once a
// second by the presenter.
func (c *Collector) Tick() {
	current := c.bytesUploaded.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average upload bytes/sec over the last n ticks.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		sum += c.throughput[(c.ringIdx-1-i+ringSize)%ringSize]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns the last n throughput samples, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	out := make([]float64, count)
	for i := range count {
		out[count-1-i] = float64(c.throughput[(c.ringIdx-1-i+ringSize)%ringSize])
	}
	return out
}

// ETA estimates the remaining upload time from the rolling speed.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesUploaded.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"parts=%d verified=%d failed=%d awaiting=%d archived=%d hashed=%d uploaded=%d retries=%d",
		s.PartsTotal, s.PartsVerified, s.PartsFailed, s.PartsAwaiting,
		s.BytesArchived, s.BytesHashed, s.BytesUploaded, s.Retries,
	)
}

// FormatBytes returns a human-readable IEC byte count.
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}
