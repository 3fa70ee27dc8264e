package rxminer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type MinerStatus struct {
	State          string             `json:"state"`
	Pool           string             `json:"pool"`
	Phase          string             `json:"phase"`
	PhaseRemaining string             `json:"phase_remaining"`
	DonateLevel    int                `json:"donate_level"`
	Uptime         string             `json:"uptime"`
	WarmingUp      bool               `json:"warming_up"`
	Hashrate       map[string]string  `json:"hashrate"`
	HashrateHs     map[string]float64 `json:"hashrate_hs"`
	TotalHashes    uint64             `json:"total_hashes"`
	Threads        int                `json:"threads"`
	ActiveWorkers  int                `json:"active_workers"`
	JobID          string             `json:"job_id"`
	Generation     uint64             `json:"generation"`
	Difficulty     uint64             `json:"difficulty"`
	Jobs           uint64             `json:"jobs"`
	Found          uint64             `json:"shares_found"`
	Dropped        uint64             `json:"shares_dropped"`
	Submitted      uint64             `json:"shares_submitted"`
	Accepted       uint64             `json:"shares_accepted"`
	Rejected       uint64             `json:"shares_rejected"`
	Stale          uint64             `json:"shares_stale"`
}

type StatusSource interface {
	Status() MinerStatus
}

func NewStatusRouter(source StatusSource) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(source.Status())
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := source.Status()
		if status.State != StateActive.String() {
			http.Error(w, status.State, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

// StartStatusServer serves the router until ctx is done.
func StartStatusServer(ctx context.Context, log *zap.SugaredLogger, port string, handler http.Handler) error {
	logger := log.With(zap.String("server", "status"))
	server := &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	logger.Info("hosting status api on ", port, " (/stats, /readyz, /metrics)")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "error serving status api")
	}
	return nil
}
