package rxminer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

func formatHashrate(rate float64) string {
	return humanize.SIWithDigits(rate, 2, "H/s")
}

func formatDuration(d time.Duration) string {
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

// statsTable renders the periodic report. Windows are columns, one row per
// worker plus a total.
func (m *Miner) statsTable() string {
	status := m.Status()
	str := "\n========================================================\n"
	str += fmt.Sprintf("uptime %s | %s on %s | jobs %d\n",
		status.Uptime, status.State, status.Pool, status.Jobs)
	str += fmt.Sprintf("shares found %d | accepted %d | rejected %d | stale %d | dropped %d\n",
		status.Found, status.Accepted, status.Rejected, status.Stale, status.Dropped)
	str += "--------------------------------------------------------\n"
	header := []string{"worker"}
	for _, w := range DefaultWindows {
		header = append(header, w.Name)
	}
	str += strings.Join(header, "\t| ") + "\n"
	str += "--------------------------------------------------------\n"
	for i := 0; i < m.estimator.Workers(); i++ {
		row := []string{fmt.Sprintf("#%d", i)}
		for _, w := range DefaultWindows {
			row = append(row, formatHashrate(m.estimator.WorkerRate(i, w.Span)))
		}
		str += strings.Join(row, "\t| ") + "\n"
	}
	str += "--------------------------------------------------------\n"
	total := []string{"total"}
	for _, w := range DefaultWindows {
		total = append(total, status.Hashrate[w.Name])
	}
	str += strings.Join(total, "\t| ")
	str += "\n======================================== rxminer_" + m.version + "\n"
	return str
}

// startStatsThread logs the hashrate every interval. Nothing is reported
// until warmup is over, and the worker table only when print_stats is set.
func (m *Miner) startStatsThread(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.estimator.WarmingUp() {
				m.logger.Debug("warming up, hashrate not reported yet")
				continue
			}
			if m.cfg.PrintStats {
				m.logger.Info(m.statsTable())
				continue
			}
			rates := m.estimator.Rates()
			m.logger.Infof("hashrate 10s %s | 60s %s | 15m %s",
				formatHashrate(rates["10s"]), formatHashrate(rates["60s"]), formatHashrate(rates["15m"]))
		}
	}
}
