// Точка входа echocardio — сервис обработки эхокардиографических видео.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиентов инференса, Orchestrator и API handlers,
// запускает topologymetrics и HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/maoyuanshou/echocardio-system/internal/api/handlers"
	"github.com/maoyuanshou/echocardio-system/internal/api/middleware"
	"github.com/maoyuanshou/echocardio-system/internal/api/openapi"
	"github.com/maoyuanshou/echocardio-system/internal/config"
	"github.com/maoyuanshou/echocardio-system/internal/database"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/inference"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
	"github.com/maoyuanshou/echocardio-system/internal/server"
	"github.com/maoyuanshou/echocardio-system/internal/service"
	"github.com/maoyuanshou/echocardio-system/internal/storage/filestore"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("echocardio запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if len(cfg.BootstrapAdmins) == 0 {
		logger.Warn("EC_BOOTSTRAP_ADMINS не задана: все новые пользователи получают роль patient")
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Хранилище видео
	files, err := filestore.New(cfg.VideoDir, cfg.MaxUploadSize)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища видео", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Хранилище видео готово",
		slog.String("dir", files.DataDir()),
		slog.Int64("max_upload_size", cfg.MaxUploadSize),
	)

	// 6. Клиенты инференса: классификатор и ансамбль из двух моделей скрининга
	infClient, err := inference.NewClient(cfg.CACertPath, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента инференса", slog.String("error", err.Error()))
		os.Exit(1)
	}
	classifier := inference.NewClassifier(infClient, cfg.ClassifierURL, cfg.ClassifierTimeout, logger)
	ensemble := inference.NewEnsemble(infClient,
		inference.ScreeningModel{Name: "model1", Endpoint: cfg.MIModel1URL},
		inference.ScreeningModel{Name: "model2", Endpoint: cfg.MIModel2URL},
		cfg.DetectorTimeout,
		logger,
	)

	// 7. Сервисный слой
	uow := repository.NewUnitOfWork(pool)
	directory := service.NewUserDirectory(uow, cfg.BootstrapAdmins, cfg.UserCacheSize, cfg.UserCacheTTL, logger)
	orch := service.NewOrchestrator(service.OrchestratorDeps{
		UnitOfWork: uow,
		Files:      files,
		Authorizer: rbac.NewPolicy(),
		Classifier: classifier,
		Detector:   ensemble,
		Directory:  directory,
		Policies: service.Policies{
			Classification: cfg.ClassificationPolicy,
			Detection:      cfg.DetectionPolicy,
		},
	}, logger)
	logger.Info("Политики повторного запуска",
		slog.String("classification", cfg.ClassificationPolicy),
		slog.String("detection", cfg.DetectionPolicy),
	)

	// 8. topologymetrics — мониторинг PostgreSQL, IdP и сервисов инференса
	var depHealth handlers.DependencyHealth
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "echocardio",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		ClassifierURL: cfg.ClassifierURL,
		MIModel1URL:   cfg.MIModel1URL,
		MIModel2URL:   cfg.MIModel2URL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		defer dephealthSvc.Stop()
		depHealth = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 9. Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	idpChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.CACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, idpChecker, depHealth)

	// 10. API handler
	apiHandler := handlers.NewAPIHandler(healthHandler, orch, cfg.MaxUploadSize, logger)

	// 11. JWT middleware: пользователь создаётся при первом входе
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.CACertPath,
		cfg.JWTIssuer,
		directory,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 12. Валидация запросов по OpenAPI контракту
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := middleware.OpenAPIValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка создания OpenAPI валидатора", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, jwtAuth, validator)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("echocardio остановлен")
}
