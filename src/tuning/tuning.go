// Package tuning holds the best effort, privileged host tweaks. Every helper
// logs and returns an error instead of failing the miner, mining works
// without any of them, only slower.
package tuning

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	hugePageSize   = 2 * 1024 * 1024
	nrHugePages    = "/proc/sys/vm/nr_hugepages"
	commandTimeout = 10 * time.Second
)

var ErrUnsupported = fmt.Errorf("not supported on %s", runtime.GOOS)

// CPUSummary describes the host cpu for the startup banner.
func CPUSummary() string {
	features := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.AESNI, cpuid.AVX2, cpuid.AVX512F, cpuid.SSSE3} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	return fmt.Sprintf("%s (%d cores, %d threads, %s)", cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(features, " "))
}

func run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// canSudo checks for root or passwordless sudo without prompting.
func canSudo(ctx context.Context) bool {
	if os.Geteuid() == 0 {
		return true
	}
	return run(ctx, "sudo", "-n", "true") == nil
}

func privileged(ctx context.Context, name string, args ...string) error {
	if os.Geteuid() == 0 {
		return run(ctx, name, args...)
	}
	return run(ctx, "sudo", append([]string{"-n", name}, args...)...)
}

// HugePagesFor is the number of 2MB pages needed to back requiredBytes.
func HugePagesFor(requiredBytes uint64) uint64 {
	return (requiredBytes + hugePageSize - 1) / hugePageSize
}

func currentHugePages() (uint64, error) {
	raw, err := os.ReadFile(nrHugePages)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// TryEnableLargePages reserves enough huge pages for requiredBytes if the
// host has the memory to spare and we are allowed to.
func TryEnableLargePages(ctx context.Context, log *zap.SugaredLogger, requiredBytes uint64) error {
	logger := log.With(zap.String("component", "tuning"))
	if runtime.GOOS != "linux" {
		return ErrUnsupported
	}
	pages := HugePagesFor(requiredBytes)
	if current, err := currentHugePages(); err == nil && current >= pages {
		logger.Infof("%d huge pages already reserved", current)
		return nil
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed reading memory stats")
	}
	if pages*hugePageSize > vm.Available {
		return errors.Errorf("need %d MB for huge pages, only %d MB available",
			pages*hugePageSize/1024/1024, vm.Available/1024/1024)
	}
	if !canSudo(ctx) {
		return errors.New("huge pages need root or passwordless sudo")
	}
	if err := privileged(ctx, "sysctl", "-w", fmt.Sprintf("vm.nr_hugepages=%d", pages)); err != nil {
		return errors.Wrap(err, "failed reserving huge pages")
	}
	logger.Infof("reserved %d huge pages", pages)
	return nil
}

// TryTuneRegisters applies the prefetcher msr values known to help RandomX.
func TryTuneRegisters(ctx context.Context, log *zap.SugaredLogger) error {
	logger := log.With(zap.String("component", "tuning"))
	if runtime.GOOS != "linux" {
		return ErrUnsupported
	}
	var register, value string
	switch cpuid.CPU.VendorID {
	case cpuid.Intel:
		register, value = "0x1a4", "0xf"
	case cpuid.AMD:
		register, value = "0xc0011020", "0x0"
	default:
		return errors.Errorf("no register preset for %s", cpuid.CPU.VendorString)
	}
	if !canSudo(ctx) {
		return errors.New("register tuning needs root or passwordless sudo")
	}
	if _, err := os.Stat("/dev/cpu/0/msr"); err != nil {
		if err := privileged(ctx, "modprobe", "msr"); err != nil {
			return errors.Wrap(err, "msr module unavailable")
		}
	}
	if err := privileged(ctx, "wrmsr", "-a", register, value); err != nil {
		return errors.Wrap(err, "failed writing msr")
	}
	logger.Infof("set msr %s to %s on all cores", register, value)
	return nil
}
