package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/onemorebsmith/rxstratum/src/rxminer"
	"github.com/onemorebsmith/rxstratum/src/tuning"
	"github.com/onemorebsmith/rxstratum/src/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

func newLogger(cfg rxminer.MinerConfig) (*zap.SugaredLogger, func()) {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(colorable.NewColorableStdout()), level),
	}
	cleanup := func() {}
	if cfg.UseLogFile {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		sink := utils.NewBufferedWriteSyncer(zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		}), 0, 0)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), sink, level))
		cleanup = func() { sink.Stop() }
	}
	logger := zap.New(zapcore.NewTee(cores...))
	return logger.Sugar(), func() {
		logger.Sync()
		cleanup()
	}
}

func main() {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	cfg := rxminer.MinerConfig{}
	if _, err := os.Stat(fullPath); err == nil {
		log.Printf("loading config @ `%s`", fullPath)
		if cfg, err = rxminer.LoadConfig(fullPath); err != nil {
			log.Printf("%s", err)
			os.Exit(1)
		}
	} else {
		log.Printf("no config.yaml in %s, using flags only", pwd)
		fullPath = ""
	}

	flag.StringVar(&cfg.PoolAddress, "o", cfg.PoolAddress, "pool address, host:port or stratum+tcp:// / stratum+ssl:// url")
	flag.StringVar(&cfg.Wallet, "u", cfg.Wallet, "wallet address to mine to")
	flag.StringVar(&cfg.Password, "p", cfg.Password, "pool password, default `x`")
	flag.StringVar(&cfg.RigID, "rig-id", cfg.RigID, "rig id sent with login, default random")
	flag.BoolVar(&cfg.UseTLS, "tls", cfg.UseTLS, "connect to the pool over tls, default `false`")
	flag.IntVar(&cfg.Threads, "t", cfg.Threads, "number of hashing threads, default all cores (half in light mode)")
	flag.StringVar(&cfg.Profile, "profile", cfg.Profile, "hashing profile, `full` or `light`, default `full`")
	flag.IntVar(&cfg.DonateLevel, "donate-level", cfg.DonateLevel, "percentage of time mined for the donation pool, minimum 1, default `1`")
	flag.DurationVar(&cfg.DonationCycle, "donation-cycle", cfg.DonationCycle, "length of one user+donation cycle, default `100m`")
	flag.DurationVar(&cfg.Warmup, "warmup", cfg.Warmup, "time excluded from hashrate reporting after start, default `45s`")
	flag.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "interval between keepalive requests, default `60s`")
	flag.StringVar(&cfg.StaleShares, "stale-shares", cfg.StaleShares, "`discard` or `submit` shares found for superseded jobs, default `discard`")
	flag.StringVar(&cfg.HashLog, "hash-log", cfg.HashLog, `if set, every computed hash is written to this file, default ""`)
	flag.BoolVar(&cfg.PrintStats, "stats", cfg.PrintStats, "true to show the per worker stats table, default `false`")
	flag.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "interval between hashrate reports, default `30s`")
	flag.StringVar(&cfg.StatusPort, "status", cfg.StatusPort, `address to serve /stats, /readyz and /metrics, default ""`)
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging, default `false`")
	flag.BoolVar(&cfg.UseLogFile, "log", cfg.UseLogFile, "if true also writes logs to a rotating file, default `false`")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file path, default `rxminer.log`")
	flag.BoolVar(&cfg.HugePages, "huge-pages", cfg.HugePages, "try to reserve huge pages (needs root or passwordless sudo), default `false`")
	flag.BoolVar(&cfg.TuneRegisters, "tune-registers", cfg.TuneRegisters, "try to apply msr prefetcher tweaks (needs root), default `false`")
	flag.Parse()
	cfg.ApplyDefaults()

	log.Println("----------------------------------")
	log.Printf("initializing rxminer %s", version)
	log.Printf("\tcpu:            %s", tuning.CPUSummary())
	log.Printf("\tpool:           %s", cfg.PoolAddress)
	log.Printf("\ttls:            %t", cfg.UseTLS)
	log.Printf("\tthreads:        %d", cfg.Threads)
	log.Printf("\tprofile:        %s", cfg.Profile)
	log.Printf("\tdonate level:   %d%%", cfg.DonateLevel)
	log.Printf("\tstale shares:   %s", cfg.StaleShares)
	log.Printf("\tstatus:         %s", cfg.StatusPort)
	log.Printf("\tstats:          %t", cfg.PrintStats)
	log.Printf("\thash log:       %s", cfg.HashLog)
	log.Printf("\tlog:            %t", cfg.UseLogFile)
	log.Println("----------------------------------")

	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %s", err)
		os.Exit(1)
	}

	logger, flush := newLogger(cfg)
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HugePages {
		profile, _ := digest.ParseProfile(cfg.Profile)
		if err := tuning.TryEnableLargePages(ctx, logger, digest.MemoryRequirement(profile, cfg.Threads)); err != nil {
			logger.Warnf("huge pages not enabled: %s", err)
		}
	}
	if cfg.TuneRegisters {
		if err := tuning.TryTuneRegisters(ctx, logger); err != nil {
			logger.Warnf("register tuning skipped: %s", err)
		}
	}

	if err := rxminer.Run(ctx, cfg, fullPath, version, logger); err != nil {
		logger.Error(err)
		flush()
		os.Exit(1)
	}
}
