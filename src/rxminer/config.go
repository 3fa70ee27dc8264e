package rxminer

import (
	"os"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultDonationPool   = "gulf.moneroocean.stream:10032"
	DefaultDonationWallet = "41p5Kuj5V4qbkxZ6385kFyWgmwFF3EC5FjmL5JyGoVLbi8wSJBFZPi83cAf5moRrkehu8Bk7dtm9UcsT1662U7Wt7vsysCx"
	DefaultWarmup         = 45 * time.Second
	DefaultKeepAlive      = 60 * time.Second
	DefaultStatsInterval  = 30 * time.Second
	MaxDonateLevel        = 99
)

type MinerConfig struct {
	PoolAddress    string        `yaml:"pool_address"`
	Wallet         string        `yaml:"wallet"`
	Password       string        `yaml:"password"`
	RigID          string        `yaml:"rig_id"`
	UseTLS         bool          `yaml:"tls"`
	Threads        int           `yaml:"threads"`
	Profile        string        `yaml:"profile"`
	DonateLevel    int           `yaml:"donate_level"`
	DonationCycle  time.Duration `yaml:"donation_cycle"`
	DonationPool   string        `yaml:"donation_pool"`
	DonationWallet string        `yaml:"donation_wallet"`
	Warmup         time.Duration `yaml:"warmup"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	StaleShares    string        `yaml:"stale_shares"`
	HashLog        string        `yaml:"hash_log"`
	PrintStats     bool          `yaml:"print_stats"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	StatusPort     string        `yaml:"status_port"`
	Debug          bool          `yaml:"debug"`
	UseLogFile     bool          `yaml:"log"`
	LogFile        string        `yaml:"log_file"`
	HugePages      bool          `yaml:"huge_pages"`
	TuneRegisters  bool          `yaml:"tune_registers"`
}

func LoadConfig(path string) (MinerConfig, error) {
	cfg := MinerConfig{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed reading config file %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed parsing config file %s", path)
	}
	return cfg, nil
}

// DefaultThreads is every logical core for the full profile and half of them
// for the light one.
func DefaultThreads(profile digest.Profile) int {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if profile == digest.ProfileLight {
		cores /= 2
	}
	if cores < 1 {
		cores = 1
	}
	return cores
}

func (c *MinerConfig) ApplyDefaults() {
	profile, err := digest.ParseProfile(c.Profile)
	if err == nil {
		c.Profile = string(profile)
	}
	if c.Threads == 0 {
		c.Threads = DefaultThreads(profile)
	}
	if c.Password == "" {
		c.Password = "x"
	}
	if c.DonateLevel < 1 {
		c.DonateLevel = 1
	}
	if c.DonationCycle <= 0 {
		c.DonationCycle = DefaultDonationCycle
	}
	if c.DonationPool == "" {
		c.DonationPool = DefaultDonationPool
	}
	if c.DonationWallet == "" {
		c.DonationWallet = DefaultDonationWallet
	}
	if c.Warmup <= 0 {
		c.Warmup = DefaultWarmup
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.StaleShares == "" {
		c.StaleShares = string(StaleDiscard)
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.UseLogFile && c.LogFile == "" {
		c.LogFile = "rxminer.log"
	}
}

func (c MinerConfig) Validate() error {
	if c.PoolAddress == "" {
		return errors.New("pool_address is required")
	}
	if c.Wallet == "" {
		return errors.New("wallet is required")
	}
	if c.Threads < 1 {
		return errors.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if _, err := digest.ParseProfile(c.Profile); err != nil {
		return err
	}
	if c.DonateLevel > MaxDonateLevel {
		return errors.Errorf("donate_level must be at most %d, got %d", MaxDonateLevel, c.DonateLevel)
	}
	if c.DonationCycle < time.Minute {
		return errors.Errorf("donation_cycle must be at least a minute, got %s", c.DonationCycle)
	}
	if _, err := ParseStalePolicy(c.StaleShares); err != nil {
		return err
	}
	return nil
}
