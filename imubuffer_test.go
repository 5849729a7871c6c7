package srvins

import (
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(t float64) InertialSample {
	return InertialSample{Timestamp: t, AngularRate: r3.Vector{Z: t}, LinearAcceleration: r3.Vector{X: 2 * t}}
}

func TestInertialBufferOrder(t *testing.T) {
	buf := NewInertialBuffer(4)
	for i := 0; i < 10; i++ {
		buf.Ingest(sampleAt(float64(i) * 0.1))
	}
	snap := buf.Snapshot()
	require.Len(t, snap, 10)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].Timestamp, snap[i].Timestamp)
	}
	// The snapshot is a copy.
	snap[0].Timestamp = -1
	assert.Equal(t, 0.0, buf.Snapshot()[0].Timestamp)
}

func TestInertialBufferPrune(t *testing.T) {
	buf := NewInertialBuffer(0)
	for i := 0; i < 10; i++ {
		buf.Ingest(sampleAt(float64(i)))
	}
	buf.PruneBefore(4)
	require.Equal(t, 6, buf.Len())
	assert.Equal(t, 4.0, buf.Snapshot()[0].Timestamp)
	buf.PruneBefore(4)
	assert.Equal(t, 6, buf.Len())

	buf.IngestAndPrune(sampleAt(10), 8)
	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 8.0, snap[0].Timestamp)
	assert.Equal(t, 10.0, snap[2].Timestamp)

	buf.IngestAndPrune(sampleAt(11), 0)
	assert.Equal(t, 4, buf.Len())
}

func TestInertialBufferConcurrent(t *testing.T) {
	buf := NewInertialBuffer(16)
	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Ingest(sampleAt(float64(i)))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			buf.WithLock(func(samples []InertialSample) {
				_ = len(samples)
			})
			_ = buf.Snapshot()
		}
	}()
	wg.Wait()
	assert.Equal(t, producers*perProducer, buf.Len())
}

func TestBufferGuard(t *testing.T) {
	buf := NewInertialBuffer(4)
	buf.Ingest(sampleAt(1))
	buf.Ingest(sampleAt(2))

	g := buf.Lock()
	samples := g.Samples()
	require.Len(t, samples, 2)
	// Appending to the borrowed slice must not leak into the buffer.
	_ = append(samples, sampleAt(3))
	g.Release()
	g.Release()
	assert.Equal(t, 2, buf.Len())
	assertPanic(t, func() { g.Samples() })

	// The lock is released after a panic in WithLock.
	assertPanic(t, func() {
		buf.WithLock(func([]InertialSample) { panic("boom") })
	})
	buf.Ingest(sampleAt(3))
	assert.Equal(t, 3, buf.Len())
}

func TestInertialBufferWindow(t *testing.T) {
	buf := NewInertialBuffer(0)
	for i := 0; i <= 4; i++ {
		buf.Ingest(sampleAt(float64(i)))
	}
	w := buf.Window(0.5, 2.25)
	require.Len(t, w, 4)
	assert.Equal(t, 0.5, w[0].Timestamp)
	assert.InDelta(t, 0.5, w[0].AngularRate.Z, 1e-12)
	assert.InDelta(t, 1.0, w[0].LinearAcceleration.X, 1e-12)
	assert.Equal(t, 1.0, w[1].Timestamp)
	assert.Equal(t, 2.0, w[2].Timestamp)
	assert.Equal(t, 2.25, w[3].Timestamp)
	assert.InDelta(t, 2.25, w[3].AngularRate.Z, 1e-12)

	exact := buf.Window(1, 3)
	require.Len(t, exact, 3)
	assert.Equal(t, 1.0, exact[0].Timestamp)
	assert.Equal(t, 3.0, exact[2].Timestamp)

	assert.Nil(t, buf.Window(3, 1))
	assert.Nil(t, NewInertialBuffer(0).Window(0, 1))
}
