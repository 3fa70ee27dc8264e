package rxminer

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var poolLabels = []string{
	"pool",
}

var shareFoundCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_share_found_counter",
	Help: "Number of hashes under the job target found by worker",
}, []string{"worker"})

var shareDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rx_share_dropped_counter",
	Help: "Number of shares dropped because the submit queue was full",
})

var shareSubmittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_share_submitted_counter",
	Help: "Number of shares sent to the pool",
}, poolLabels)

var shareAcceptedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_share_accepted_counter",
	Help: "Number of shares accepted by the pool",
}, poolLabels)

var shareRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_share_rejected_counter",
	Help: "Number of shares rejected by the pool",
}, append(poolLabels, "code"))

var staleCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_stale_share_counter",
	Help: "Number of shares discarded because their job was superseded",
}, poolLabels)

var jobCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_job_counter",
	Help: "Number of jobs received from the pool",
}, poolLabels)

var connectErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_connect_error_counter",
	Help: "Number of failed connection attempts by error type",
}, append(poolLabels, "error"))

var disconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_disconnect_counter",
	Help: "Number of times an established session was lost",
}, append(poolLabels, "error"))

var sessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rx_session_state",
	Help: "Current session state (0 disconnected, 1 connecting, 2 logged in, 3 active, 4 reconnecting)",
})

var hashrateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "rx_hashrate",
	Help: "Hashes per second over the labelled window",
}, []string{"window"})

var donationGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rx_donation_active",
	Help: "1 while mining for the donation endpoint",
})

var workerFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rx_worker_failure_counter",
	Help: "Number of hashing worker failures",
}, []string{"worker"})

var activeWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rx_active_workers",
	Help: "Number of hashing workers that have not been retired",
})

func poolLabel(pool string) prometheus.Labels {
	return prometheus.Labels{"pool": pool}
}

func RecordShareFound(worker int) {
	shareFoundCounter.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func RecordShareDropped() {
	shareDroppedCounter.Inc()
}

func RecordShareSubmitted(pool string) {
	shareSubmittedCounter.With(poolLabel(pool)).Inc()
}

func RecordShareAccepted(pool string) {
	shareAcceptedCounter.With(poolLabel(pool)).Inc()
}

func RecordShareRejected(pool string, code int) {
	shareRejectedCounter.WithLabelValues(pool, strconv.Itoa(code)).Inc()
}

func RecordStaleShare(pool string) {
	staleCounter.With(poolLabel(pool)).Inc()
}

func RecordNewJob(pool string) {
	jobCounter.With(poolLabel(pool)).Inc()
}

func RecordConnectError(pool string, code ErrorShortCodeT) {
	connectErrorCounter.WithLabelValues(pool, string(code)).Inc()
}

func RecordDisconnect(pool string, code ErrorShortCodeT) {
	disconnectCounter.WithLabelValues(pool, string(code)).Inc()
}

func RecordSessionState(state SessionState) {
	sessionStateGauge.Set(float64(state))
}

func RecordHashrate(window string, rate float64) {
	hashrateGauge.WithLabelValues(window).Set(rate)
}

func RecordDonationPhase(phase DonationPhase) {
	if phase == PhaseDonation {
		donationGauge.Set(1)
		return
	}
	donationGauge.Set(0)
}

func RecordWorkerFailure(worker int) {
	workerFailureCounter.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func RecordActiveWorkers(n int) {
	activeWorkersGauge.Set(float64(n))
}
