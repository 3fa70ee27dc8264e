package rxminer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type HashrateWindow struct {
	Name string
	Span time.Duration
}

var DefaultWindows = []HashrateWindow{
	{Name: "10s", Span: 10 * time.Second},
	{Name: "60s", Span: 60 * time.Second},
	{Name: "15m", Span: 15 * time.Minute},
}

// padded so neighbouring workers don't share a cache line
type workerCounter struct {
	count uint64
	_     [56]byte
}

type HashrateSample struct {
	At     time.Time
	Counts []uint64
}

func (s HashrateSample) total() uint64 {
	var sum uint64
	for _, c := range s.Counts {
		sum += c
	}
	return sum
}

// HashrateEstimator turns cumulative per-worker hash counters into rates.
// Workers only ever touch their own counter, the sampler copies them into a
// ring of samples and samples taken before the warmup deadline are dropped.
type HashrateEstimator struct {
	counters []workerCounter
	start    time.Time
	warmup   time.Duration
	horizon  time.Duration
	now      func() time.Time
	lock     sync.RWMutex
	samples  []HashrateSample
}

func NewHashrateEstimator(workers int, warmup time.Duration) *HashrateEstimator {
	return newHashrateEstimator(workers, warmup, time.Now)
}

func newHashrateEstimator(workers int, warmup time.Duration, now func() time.Time) *HashrateEstimator {
	horizon := time.Duration(0)
	for _, w := range DefaultWindows {
		if w.Span > horizon {
			horizon = w.Span
		}
	}
	return &HashrateEstimator{
		counters: make([]workerCounter, workers),
		start:    now(),
		warmup:   warmup,
		horizon:  horizon,
		now:      now,
	}
}

func (e *HashrateEstimator) Add(worker int, hashes uint64) {
	atomic.AddUint64(&e.counters[worker].count, hashes)
}

func (e *HashrateEstimator) Workers() int {
	return len(e.counters)
}

func (e *HashrateEstimator) TotalHashes() uint64 {
	var sum uint64
	for i := range e.counters {
		sum += atomic.LoadUint64(&e.counters[i].count)
	}
	return sum
}

func (e *HashrateEstimator) WarmingUp() bool {
	return e.now().Before(e.start.Add(e.warmup))
}

func (e *HashrateEstimator) Uptime() time.Duration {
	return e.now().Sub(e.start)
}

// Sample snapshots the live counters.
func (e *HashrateEstimator) Sample() {
	counts := make([]uint64, len(e.counters))
	for i := range e.counters {
		counts[i] = atomic.LoadUint64(&e.counters[i].count)
	}
	e.Observe(e.now(), counts)
}

// Observe records cumulative per-worker counts taken at the given time.
func (e *HashrateEstimator) Observe(at time.Time, counts []uint64) {
	if at.Before(e.start.Add(e.warmup)) {
		return
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.samples = append(e.samples, HashrateSample{At: at, Counts: append([]uint64(nil), counts...)})
	cutoff := at.Add(-e.horizon)
	drop := 0
	for drop < len(e.samples)-1 && e.samples[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
}

// window returns the oldest and newest samples within span of the newest one.
func (e *HashrateEstimator) window(span time.Duration) (HashrateSample, HashrateSample, bool) {
	if len(e.samples) < 2 {
		return HashrateSample{}, HashrateSample{}, false
	}
	newest := e.samples[len(e.samples)-1]
	cutoff := newest.At.Add(-span)
	for _, s := range e.samples {
		if !s.At.Before(cutoff) {
			if !newest.At.After(s.At) {
				return HashrateSample{}, HashrateSample{}, false
			}
			return s, newest, true
		}
	}
	return HashrateSample{}, HashrateSample{}, false
}

// Rate is the total hashes per second over the window, 0 while warming up.
func (e *HashrateEstimator) Rate(span time.Duration) float64 {
	e.lock.RLock()
	defer e.lock.RUnlock()
	oldest, newest, ok := e.window(span)
	if !ok {
		return 0
	}
	return float64(newest.total()-oldest.total()) / newest.At.Sub(oldest.At).Seconds()
}

func (e *HashrateEstimator) WorkerRate(worker int, span time.Duration) float64 {
	e.lock.RLock()
	defer e.lock.RUnlock()
	oldest, newest, ok := e.window(span)
	if !ok || worker >= len(newest.Counts) || worker >= len(oldest.Counts) {
		return 0
	}
	return float64(newest.Counts[worker]-oldest.Counts[worker]) / newest.At.Sub(oldest.At).Seconds()
}

// Rates reports every default window keyed by its name.
func (e *HashrateEstimator) Rates() map[string]float64 {
	out := make(map[string]float64, len(DefaultWindows))
	for _, w := range DefaultWindows {
		out[w.Name] = e.Rate(w.Span)
	}
	return out
}

// Run samples the counters every interval until ctx is done.
func (e *HashrateEstimator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sample()
			for _, w := range DefaultWindows {
				RecordHashrate(w.Name, e.Rate(w.Span))
			}
		}
	}
}
