// Пакет testsupport — общие помощники тестов: PostgreSQL в контейнере
// и in-memory реализация хранилища для юнит-тестов сервисов.
package testsupport

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/maoyuanshou/echocardio-system/internal/config"
)

// PostgresConfig запускает PostgreSQL в Docker-контейнере через testcontainers
// и возвращает конфигурацию, указывающую на него.
// Тест пропускается, если TEST_INTEGRATION не установлена.
func PostgresConfig(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("echocardio_test"),
		postgres.WithUsername("echocardio"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("EC_DB_HOST", host)
	t.Setenv("EC_DB_PORT", port.Port())
	t.Setenv("EC_DB_NAME", "echocardio_test")
	t.Setenv("EC_DB_USER", "echocardio")
	t.Setenv("EC_DB_PASSWORD", "test-password")
	t.Setenv("EC_DB_SSL_MODE", "disable")
	t.Setenv("EC_JWT_JWKS_URL", "http://localhost:8080/certs")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	return cfg
}

// Logger возвращает логгер для тестов (только ошибки).
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
