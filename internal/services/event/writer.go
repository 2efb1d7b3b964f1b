package event

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PointWriter is satisfied by influxdb2's api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer wraps a blocking write API and remembers the last write error for
// /healthz and /readyz.
type Writer struct {
	api     PointWriter
	timeout time.Duration

	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
}

func NewWriter(w PointWriter, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Writer{
		api:     w,
		timeout: timeout,
		lastErr: time.Now().Add(-24 * time.Hour),
		counts:  make(map[string]int64),
	}
}

// Write sends points under kind (used only for counting) with the writer timeout.
func (w *Writer) Write(ctx context.Context, kind string, points ...*write.Point) error {
	if w == nil || w.api == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.api.WritePoint(ctx, points...); err != nil {
		w.mu.Lock()
		w.lastErr = time.Now()
		w.mu.Unlock()
		log.Printf("influx write error (%s): %v", kind, err)
		return err
	}
	w.mu.Lock()
	w.counts[kind] += int64(len(points))
	w.mu.Unlock()
	return nil
}

// LastErrorAge is the time since the last failed write.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return time.Since(t)
}

// Count returns how many points of kind were written.
func (w *Writer) Count(kind string) int64 {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	c := w.counts[kind]
	w.mu.RUnlock()
	return c
}

// Check reports healthy when no write failed within minAge.
func (w *Writer) Check(minAge time.Duration) Check {
	return Check{Name: "influx", OK: func() bool { return w.LastErrorAge() > minAge }}
}
