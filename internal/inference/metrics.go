package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики сервисов инференса.
var (
	// inferenceRequestsTotal — вызовы сервисов по исходу (ok, unavailable, malformed).
	inferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ec_inference_requests_total",
			Help: "Количество вызовов сервисов инференса",
		},
		[]string{"service", "outcome"},
	)

	inferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ec_inference_request_duration_seconds",
			Help:    "Длительность вызовов сервисов инференса в секундах",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	// miDetectionsTotal — результаты ансамбля по итогу и деградации.
	miDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ec_mi_detections_total",
			Help: "Количество запусков ансамбля скрининга ИМ",
		},
		[]string{"final", "degraded"},
	)
)

// outcomeOf возвращает лейбл исхода вызова.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isMalformed(err):
		return "malformed"
	default:
		return "unavailable"
	}
}
