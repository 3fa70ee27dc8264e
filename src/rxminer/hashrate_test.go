package rxminer

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func TestHashrateWarmupExclusion(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	est := newHashrateEstimator(2, 45*time.Second, clock.Now)
	start := clock.Now()

	// a slow start while hashers warm up, then a constant 1000 H/s per worker
	var counts [2]uint64
	for s := 0; s <= 120; s++ {
		at := start.Add(time.Duration(s) * time.Second)
		if s > 0 {
			if s < 45 {
				counts[0] += 3
				counts[1] += 7
			} else {
				counts[0] += 1000
				counts[1] += 1000
			}
		}
		est.Observe(at, counts[:])
		if s == 44 && est.Rate(10*time.Second) != 0 {
			t.Fatalf("rate reported before warmup ended")
		}
	}

	for _, w := range DefaultWindows[:2] {
		if got := est.Rate(w.Span); got != 2000 {
			t.Errorf("%s window: expected 2000 H/s, got %f", w.Name, got)
		}
		if got := est.WorkerRate(1, w.Span); got != 1000 {
			t.Errorf("%s window: expected 1000 H/s for worker 1, got %f", w.Name, got)
		}
	}
	// the 15m window only spans post-warmup samples so it agrees too
	if got := est.Rate(15 * time.Minute); got != 2000 {
		t.Errorf("15m window: expected 2000 H/s, got %f", got)
	}
}

func TestHashrateNeedsTwoSamples(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	est := newHashrateEstimator(1, time.Second, clock.Now)
	if est.Rate(10*time.Second) != 0 {
		t.Errorf("expected 0 without samples")
	}
	clock.Advance(2 * time.Second)
	est.Add(0, 500)
	est.Sample()
	if est.Rate(10*time.Second) != 0 {
		t.Errorf("expected 0 with a single sample")
	}
	clock.Advance(time.Second)
	est.Add(0, 250)
	est.Sample()
	if got := est.Rate(10 * time.Second); got != 250 {
		t.Errorf("expected 250 H/s, got %f", got)
	}
	if est.TotalHashes() != 750 {
		t.Errorf("expected 750 total hashes, got %d", est.TotalHashes())
	}
	if est.WarmingUp() {
		t.Errorf("still warming up after warmup")
	}
}

func TestHashrateSamplesBounded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	est := newHashrateEstimator(1, 0, clock.Now)
	start := clock.Now()
	for s := 0; s < 3600; s++ {
		est.Observe(start.Add(time.Duration(s)*time.Second), []uint64{uint64(s) * 10})
	}
	est.lock.RLock()
	kept := len(est.samples)
	est.lock.RUnlock()
	if kept > 15*60+2 {
		t.Errorf("kept %d samples, more than the largest window needs", kept)
	}
	if got := est.Rate(60 * time.Second); got != 10 {
		t.Errorf("expected 10 H/s, got %f", got)
	}
}
