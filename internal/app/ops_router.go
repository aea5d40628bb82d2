package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/health"
	"github.com/vladislavdragonenkov/shopcore/internal/service/reconcile"
)

const defaultPendingListLimit = 100

// replayRunner: то, что операторский роутер требует от Replayer.
type replayRunner interface {
	ReplayOnce(ctx context.Context) (reconcile.ReplayReport, error)
}

// OpsRouterConfig описывает зависимости операторского HTTP-интерфейса.
type OpsRouterConfig struct {
	Health   *health.Handler
	Failures domain.ReconciliationFailureRepository
	Replayer replayRunner
	Metrics  http.Handler
	Logger   *log.Entry
	Timeout  time.Duration
}

type failureView struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	PaymentNumber string    `json:"payment_number"`
	Outcome       string    `json:"outcome"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Status        string    `json:"status"`
	FailedAt      time.Time `json:"failed_at"`
}

// NewOpsRouter собирает HTTP-роутер для метрик, health checks и ручного
// разбора неприменённых исходов платежей.
func NewOpsRouter(cfg OpsRouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "ops-http")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))

	r.Handle("/metrics", cfg.Metrics)
	if cfg.Health != nil {
		r.Handle("/healthz", cfg.Health)
		r.Get("/livez", health.LivenessHandler)
		r.Get("/readyz", cfg.Health.ReadinessHandler)
	}

	if cfg.Failures != nil {
		r.Route("/ops/reconciliations", func(r chi.Router) {
			r.Get("/", listPendingFailures(cfg.Failures, cfg.Logger))
			if cfg.Replayer != nil {
				r.Post("/replay", replayFailures(cfg.Replayer, cfg.Logger))
			}
		})
	}
	return r
}

func listPendingFailures(failures domain.ReconciliationFailureRepository, logger *log.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultPendingListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		pending, err := failures.ListPending(r.Context(), limit)
		if err != nil {
			logger.WithError(err).Error("failed to list pending reconciliations")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		views := make([]failureView, 0, len(pending))
		for _, f := range pending {
			views = append(views, failureView{
				ID:            f.ID,
				OrderID:       f.OrderID,
				PaymentNumber: f.PaymentNumber,
				Outcome:       string(f.Outcome),
				TransactionID: f.TransactionID,
				Reason:        f.Reason,
				Attempts:      f.Attempts,
				Status:        string(f.Status),
				FailedAt:      f.FailedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
	}
}

func replayFailures(replayer replayRunner, logger *log.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := replayer.ReplayOnce(r.Context())
		if err != nil {
			logger.WithError(err).Error("manual reconciliation replay failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		logger.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"scanned":    report.Scanned,
			"resolved":   report.Resolved,
			"pending":    report.Pending,
		}).Info("manual reconciliation replay finished")
		writeJSON(w, http.StatusOK, map[string]int{
			"scanned":  report.Scanned,
			"resolved": report.Resolved,
			"pending":  report.Pending,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
