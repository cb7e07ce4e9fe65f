// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// echocardio мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (critical)
//   - JWKS endpoint IdP — HTTP checker (critical)
//   - классификатор и две модели скрининга ИМ — HTTP checker к /health (non-critical:
//     ансамбль продолжает работу при отказе модели)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// inferenceHealthPath — health endpoint сервисов инференса.
const inferenceHealthPath = "/health"

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (EC_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL — URL PostgreSQL без пароля (для лейблов)
	PgConnURL string
	// JWKSURL — JWKS endpoint IdP
	JWKSURL string
	// ClassifierURL, MIModel1URL, MIModel2URL — endpoints сервисов инференса
	ClassifierURL string
	MIModel1URL   string
	MIModel2URL   string
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PgConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
		// Для JWKS проверяется путь самого endpoint: /health у IdP часто недоступен
		dephealth.HTTP("idp-jwks", httpDepOpts(cfg.JWKSURL, healthPath(cfg.JWKSURL, inferenceHealthPath), cfg.CheckInterval, true)...),
	}
	for _, dep := range inferenceDependencies(cfg) {
		opts = append(opts, dephealth.HTTP(dep.name,
			httpDepOpts(dep.url, inferenceHealthPath, cfg.CheckInterval, false)...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// inferenceDependency — HTTP-зависимость сервиса инференса.
type inferenceDependency struct {
	name string
	url  string
}

// inferenceDependencies возвращает сервисы инференса для мониторинга.
func inferenceDependencies(cfg DephealthConfig) []inferenceDependency {
	return []inferenceDependency{
		{name: "classifier", url: cfg.ClassifierURL},
		{name: "mi-model1", url: cfg.MIModel1URL},
		{name: "mi-model2", url: cfg.MIModel2URL},
	}
}

// httpDepOpts — опции HTTP-зависимости. Для https проверяется сертификат.
func httpDepOpts(rawURL, path string, interval time.Duration, critical bool) []dephealth.DependencyOption {
	opts := []dephealth.DependencyOption{
		dephealth.FromURL(rawURL),
		dephealth.WithHTTPHealthPath(path),
		dephealth.CheckInterval(interval),
		dephealth.Critical(critical),
	}
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Scheme == "https" {
		opts = append(opts, dephealth.WithHTTPTLSSkipVerify(false))
	}
	return opts
}

// healthPath возвращает path из URL или fallback, если path пуст.
func healthPath(rawURL, fallback string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return fallback
	}
	return parsed.Path
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL, IdP, сервисы инференса)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
