package rxminer

import (
	"bytes"
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/pkg/errors"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 64
	defaultMaxRestarts  = 3
	defaultRestartDelay = 2 * time.Second
	defaultShareQueue   = 256
)

type WorkerPoolConfig struct {
	Threads      int
	Profile      digest.Profile
	BatchSize    int
	MaxRestarts  int
	RestartDelay time.Duration
	ShareQueue   int
}

func (c *WorkerPoolConfig) applyDefaults() {
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	} else if c.MaxRestarts == 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.ShareQueue < 1 {
		c.ShareQueue = defaultShareQueue
	}
}

// WorkerPool runs one hashing loop per thread over disjoint nonce bands of
// the current job. Shares go out on a buffered channel that the session
// drains; a full channel drops the share instead of stalling a worker.
type WorkerPool struct {
	logger    *zap.SugaredLogger
	cfg       WorkerPoolConfig
	engine    digest.Engine
	registry  *JobRegistry
	estimator *HashrateEstimator
	hashLog   *HashLog
	shares    chan Share
	active    atomic.Int32
	found     atomic.Uint64
	dropped   atomic.Uint64
}

func NewWorkerPool(logger *zap.SugaredLogger, cfg WorkerPoolConfig, engine digest.Engine,
	registry *JobRegistry, estimator *HashrateEstimator, hashLog *HashLog) *WorkerPool {
	cfg.applyDefaults()
	return &WorkerPool{
		logger:    logger.With(zap.String("component", "workers")),
		cfg:       cfg,
		engine:    engine,
		registry:  registry,
		estimator: estimator,
		hashLog:   hashLog,
		shares:    make(chan Share, cfg.ShareQueue),
	}
}

func (p *WorkerPool) Shares() <-chan Share {
	return p.shares
}

func (p *WorkerPool) ActiveWorkers() int {
	return int(p.active.Load())
}

func (p *WorkerPool) SharesFound() uint64 {
	return p.found.Load()
}

func (p *WorkerPool) SharesDropped() uint64 {
	return p.dropped.Load()
}

// Run blocks until ctx is done or every worker has been retired. The latter
// is returned as an error since the miner can no longer make progress.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Infof("starting %d %s workers on %s", p.cfg.Threads, p.cfg.Profile, p.engine.Name())
	swg := sizedwaitgroup.New(p.cfg.Threads)
	failures := make(chan error, p.cfg.Threads)
	p.active.Store(int32(p.cfg.Threads))
	RecordActiveWorkers(p.cfg.Threads)
	for i := 0; i < p.cfg.Threads; i++ {
		swg.Add()
		go func(id int) {
			defer swg.Done()
			if err := p.supervise(ctx, id); err != nil {
				failures <- err
			}
		}(i)
	}
	swg.Wait()
	close(failures)

	if ctx.Err() != nil {
		return nil
	}
	var last error
	for err := range failures {
		last = err
	}
	return errors.Wrapf(ErrAllWorkersRetired, "last failure: %v", last)
}

// supervise restarts a failed worker with a growing delay and retires it
// once it has failed more than MaxRestarts times.
func (p *WorkerPool) supervise(ctx context.Context, id int) error {
	restarts := 0
	for {
		err := p.runWorker(ctx, id)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		RecordWorkerFailure(id)
		restarts++
		if restarts > p.cfg.MaxRestarts {
			remaining := p.active.Add(-1)
			RecordActiveWorkers(int(remaining))
			p.logger.Errorf("retiring worker %d after %d failures, %d workers left: %s", id, restarts, remaining, err)
			return err
		}
		delay := p.cfg.RestartDelay * time.Duration(restarts)
		p.logger.Errorf("worker %d failed, restarting in %s: %s", id, delay, err)
		if sleepContext(ctx, delay) != nil {
			return nil
		}
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) error {
	var handle digest.Handle
	var seed []byte
	defer func() {
		if handle != nil {
			handle.Close()
		}
	}()

	var blob []byte
	lastGeneration := uint64(0)
	for {
		snap, err := p.registry.WaitForJob(ctx, lastGeneration)
		if err != nil {
			return nil
		}
		job := snap.Job
		if handle == nil || !bytes.Equal(seed, job.Seed) {
			if handle != nil {
				handle.Close()
				handle = nil
			}
			if handle, err = p.engine.Init(job.Seed); err != nil {
				return err
			}
			seed = job.Seed
		}
		blob = append(blob[:0], job.Blob...)
		if err := p.scan(ctx, id, snap, handle, blob); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		lastGeneration = snap.Generation
	}
}

// scan hashes the worker's band of one generation. It returns nil as soon as
// the generation changes or ctx is done, both are checked after every hash.
func (p *WorkerPool) scan(ctx context.Context, id int, snap *JobSnapshot, handle digest.Handle, blob []byte) error {
	job := snap.Job
	band := snap.Range(id)
	nonce := band.Start
	done := ctx.Done()
	light := p.cfg.Profile == digest.ProfileLight
	var hashes uint64
	defer func() { p.estimator.Add(id, hashes) }()

	for {
		for i := 0; i < p.cfg.BatchSize; i++ {
			d, err := handle.Compute(blob, nonce)
			if err != nil {
				return errors.Wrapf(err, "worker %d failed hashing job %s", id, job.ID)
			}
			hashes++
			value := HashValue(d)
			if p.hashLog != nil {
				p.hashLog.Record(Candidate{Nonce: nonce, HashValue: value, Target: job.Target, JobID: job.ID})
			}
			if IsValid(value, job.Target) {
				p.emit(Share{
					JobID:      job.ID,
					Generation: snap.Generation,
					Nonce:      nonce,
					Digest:     d,
					HashValue:  value,
					Worker:     id,
					FoundAt:    time.Now(),
				})
			}
			nonce = band.Next(nonce)

			if p.registry.Generation() != snap.Generation {
				return nil
			}
			select {
			case <-done:
				return nil
			default:
			}
		}
		p.estimator.Add(id, hashes)
		hashes = 0
		if light {
			runtime.Gosched()
		}
	}
}

func (p *WorkerPool) emit(share Share) {
	p.found.Add(1)
	RecordShareFound(share.Worker)
	select {
	case p.shares <- share:
	default:
		p.dropped.Add(1)
		RecordShareDropped()
		p.logger.Warnf("share queue full, dropping share for job %s nonce %08x", share.JobID, share.Nonce)
	}
}
