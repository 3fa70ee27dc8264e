package rxminer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sampleInterval = time.Second

// Miner wires the session, worker pool, donation scheduler and estimator
// together for one configuration.
type Miner struct {
	logger     *zap.SugaredLogger
	cfg        MinerConfig
	configPath string
	version    string
	registry   *JobRegistry
	estimator  *HashrateEstimator
	workers    *WorkerPool
	session    *Session
	donations  *DonationScheduler
	hashLog    *HashLog
}

type MinerOptions struct {
	// Engine defaults to RandomX in the configured profile.
	Engine digest.Engine
	// Dial defaults to a plain or tls tcp dial.
	Dial DialFunc
	// ConfigPath enables reloading the donation level from disk.
	ConfigPath string
	Version    string
}

func NewMiner(cfg MinerConfig, logger *zap.SugaredLogger, opts MinerOptions) (*Miner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	profile, _ := digest.ParseProfile(cfg.Profile)
	stale, _ := ParseStalePolicy(cfg.StaleShares)
	if cfg.RigID == "" {
		cfg.RigID = uuid.NewString()[:8]
	}
	if opts.Engine == nil {
		opts.Engine = digest.NewRandomX(profile, logger)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	m := &Miner{
		logger:     logger.With(zap.String("component", "miner")),
		cfg:        cfg,
		configPath: opts.ConfigPath,
		version:    opts.Version,
		registry:   NewJobRegistry(cfg.Threads),
		estimator:  NewHashrateEstimator(cfg.Threads, cfg.Warmup),
	}
	if cfg.HashLog != "" {
		hashLog, err := OpenHashLog(cfg.HashLog, logger)
		if err != nil {
			return nil, err
		}
		m.hashLog = hashLog
	}

	m.workers = NewWorkerPool(logger, WorkerPoolConfig{
		Threads: cfg.Threads,
		Profile: profile,
	}, opts.Engine, m.registry, m.estimator, m.hashLog)

	user := Endpoint{
		Name:     "user",
		Address:  cfg.PoolAddress,
		TLS:      cfg.UseTLS,
		User:     cfg.Wallet,
		Password: cfg.Password,
		RigID:    cfg.RigID,
	}
	donation := Endpoint{
		Name:     "donation",
		Address:  cfg.DonationPool,
		User:     cfg.DonationWallet,
		Password: cfg.Password,
		RigID:    cfg.RigID,
	}
	m.session = NewSession(logger, SessionConfig{
		Agent:       "rxminer/" + opts.Version,
		KeepAlive:   cfg.KeepAlive,
		StalePolicy: stale,
		Dial:        opts.Dial,
	}, m.registry, m.workers.Shares(), user)
	m.donations = NewDonationScheduler(logger, m.session, user, donation, NewDonationPlan(cfg.DonateLevel, cfg.DonationCycle))
	return m, nil
}

func (m *Miner) Session() *Session {
	return m.session
}

func (m *Miner) Registry() *JobRegistry {
	return m.registry
}

func (m *Miner) Estimator() *HashrateEstimator {
	return m.estimator
}

func (m *Miner) Status() MinerStatus {
	stats := m.session.Stats()
	phase, remaining := m.donations.Phase()
	rates := m.estimator.Rates()
	status := MinerStatus{
		State:          m.session.State().String(),
		Pool:           m.session.Target().Address,
		Phase:          phase.String(),
		PhaseRemaining: formatDuration(remaining),
		DonateLevel:    m.donations.Plan().Level,
		Uptime:         formatDuration(m.estimator.Uptime()),
		WarmingUp:      m.estimator.WarmingUp(),
		Hashrate:       map[string]string{},
		HashrateHs:     rates,
		TotalHashes:    m.estimator.TotalHashes(),
		Threads:        m.cfg.Threads,
		ActiveWorkers:  m.workers.ActiveWorkers(),
		Jobs:           stats.Jobs,
		Found:          m.workers.SharesFound(),
		Dropped:        m.workers.SharesDropped(),
		Submitted:      stats.Submitted,
		Accepted:       stats.Accepted,
		Rejected:       stats.Rejected,
		Stale:          stats.Stale,
	}
	for name, rate := range rates {
		status.Hashrate[name] = formatHashrate(rate)
	}
	if job, generation := m.registry.Current(); job != nil {
		status.JobID = job.ID
		status.Generation = generation
		status.Difficulty = DifficultyFromTarget(job.Target)
	}
	return status
}

// onConfigChange applies what can change at runtime, which for now is the
// donation level.
func (m *Miner) onConfigChange(cfg MinerConfig) {
	if cfg.DonateLevel != m.donations.Plan().Level {
		m.donations.Reconfigure(cfg.DonateLevel)
	}
	if cfg.PoolAddress != m.cfg.PoolAddress || cfg.Wallet != m.cfg.Wallet || cfg.Threads != m.cfg.Threads {
		m.logger.Warn("pool, wallet and thread changes need a restart to take effect")
	}
}

// Run mines until ctx is cancelled. It only returns an error when mining can
// no longer continue, e.g. every worker has been retired.
func (m *Miner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.session.Run(ctx) })
	g.Go(func() error { return m.donations.Run(ctx) })
	g.Go(func() error { return m.estimator.Run(ctx, sampleInterval) })
	g.Go(func() error { return m.startStatsThread(ctx) })
	g.Go(func() error { return m.workers.Run(ctx) })
	if m.cfg.StatusPort != "" {
		g.Go(func() error { return StartStatusServer(ctx, m.logger, m.cfg.StatusPort, NewStatusRouter(m)) })
	}
	if m.configPath != "" {
		watcher, err := NewConfigWatcher(m.logger, m.configPath, m.onConfigChange)
		if err != nil {
			m.logger.Warnf("config reloading disabled: %s", err)
		} else {
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	err := g.Wait()
	if m.hashLog != nil {
		err = multierr.Append(err, m.hashLog.Close())
	}
	return err
}

// Run builds a miner from cfg and runs it until ctx is cancelled.
func Run(ctx context.Context, cfg MinerConfig, configPath string, version string, logger *zap.SugaredLogger) error {
	miner, err := NewMiner(cfg, logger, MinerOptions{ConfigPath: configPath, Version: version})
	if err != nil {
		return err
	}
	return miner.Run(ctx)
}
