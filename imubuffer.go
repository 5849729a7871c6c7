package srvins

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// InertialSample is a single IMU reading.
type InertialSample struct {
	Timestamp          float64   // seconds, IMU clock
	AngularRate        r3.Vector // rad/s, IMU frame
	LinearAcceleration r3.Vector // m/s², IMU frame
}

func (s InertialSample) String() string {
	return fmt.Sprintf("imu{t=%.6f w=%v a=%v}", s.Timestamp, s.AngularRate, s.LinearAcceleration)
}

// InertialBuffer is a time ordered history of IMU samples shared between the sensor
// goroutine (Ingest) and the filter goroutine (PruneBefore, Snapshot, Window, Lock).
// Samples must be ingested with non-decreasing timestamps; out of order arrival is kept
// in arrival order and not corrected.
type InertialBuffer struct {
	mu      sync.Mutex
	samples []InertialSample
}

// NewInertialBuffer returns an empty buffer with room for capacity samples.
func NewInertialBuffer(capacity int) *InertialBuffer {
	return &InertialBuffer{samples: make([]InertialSample, 0, capacity)}
}

// Ingest appends the sample.
func (b *InertialBuffer) Ingest(s InertialSample) {
	b.mu.Lock()
	b.samples = append(b.samples, s)
	b.mu.Unlock()
}

// IngestAndPrune appends the sample and, if before is positive, drops every sample
// older than before in the same critical section.
func (b *InertialBuffer) IngestAndPrune(s InertialSample, before float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	if before > 0 {
		b.prune(before)
	}
}

// PruneBefore removes every sample with a timestamp strictly less than t.
func (b *InertialBuffer) PruneBefore(t float64) {
	b.mu.Lock()
	b.prune(t)
	b.mu.Unlock()
}

func (b *InertialBuffer) prune(t float64) {
	b.samples = slices.DeleteFunc(b.samples, func(s InertialSample) bool {
		return s.Timestamp < t
	})
}

// Len returns the number of buffered samples.
func (b *InertialBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Snapshot returns a copy of the buffer as of the call.
func (b *InertialBuffer) Snapshot() []InertialSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.samples)
}

// Window returns a copy of the samples covering [t0, t1]. When a bound falls strictly between
// two samples, a sample linearly interpolated at the bound replaces the outer one, so the
// result starts at t0 and ends at t1 whenever the buffer spans them.
func (b *InertialBuffer) Window(t0, t1 float64) []InertialSample {
	if t1 < t0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.samples
	if len(s) == 0 {
		return nil
	}
	// First sample at or after t0, last sample at or before t1.
	lo := sort.Search(len(s), func(i int) bool { return s[i].Timestamp >= t0 })
	hi := sort.Search(len(s), func(i int) bool { return s[i].Timestamp > t1 })
	out := make([]InertialSample, 0, hi-lo+2)
	if lo > 0 && lo < len(s) && s[lo].Timestamp > t0 {
		out = append(out, interpolateSample(s[lo-1], s[lo], t0))
	}
	out = append(out, s[lo:hi]...)
	if hi > 0 && hi < len(s) && s[hi-1].Timestamp < t1 {
		out = append(out, interpolateSample(s[hi-1], s[hi], t1))
	}
	return out
}

func interpolateSample(a, b InertialSample, t float64) InertialSample {
	λ := (t - a.Timestamp) / (b.Timestamp - a.Timestamp)
	return InertialSample{
		Timestamp:          t,
		AngularRate:        a.AngularRate.Mul(1 - λ).Add(b.AngularRate.Mul(λ)),
		LinearAcceleration: a.LinearAcceleration.Mul(1 - λ).Add(b.LinearAcceleration.Mul(λ)),
	}
}

// Lock acquires exclusive access to the buffer and returns a guard on it.
// The guard must be released, usually with defer:
//
//	g := buf.Lock()
//	defer g.Release()
//	for _, s := range g.Samples() { ... }
//
// While the guard is held the caller must not call any other method of the same buffer,
// they block on the held lock and the goroutine deadlocks.
func (b *InertialBuffer) Lock() *BufferGuard {
	b.mu.Lock()
	return &BufferGuard{buf: b}
}

// WithLock calls fn with the live samples while holding the buffer lock.
// fn must be short, must not retain the slice and must not call back into the buffer.
// The lock is released even if fn panics.
func (b *InertialBuffer) WithLock(fn func(samples []InertialSample)) {
	g := b.Lock()
	defer g.Release()
	fn(g.Samples())
}

// BufferGuard is a scoped borrow of an InertialBuffer. Its samples are only valid until Release.
type BufferGuard struct {
	buf      *InertialBuffer
	released bool
}

// Samples returns the live, un-copied samples. It panics after Release.
func (g *BufferGuard) Samples() []InertialSample {
	if g.released {
		panic("srvins: InertialBuffer guard used after Release")
	}
	// Capped so that an append by the caller cannot write into the buffer's spare capacity.
	return g.buf.samples[:len(g.buf.samples):len(g.buf.samples)]
}

// Release unlocks the buffer. Calling it more than once is a no-op.
func (g *BufferGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.buf.mu.Unlock()
}
