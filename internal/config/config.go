// Пакет config — загрузка и валидация конфигурации echocardio
// из переменных окружения (префикс EC_).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Политики повторного запуска классификации и детекции.
const (
	// PolicyOverwrite — новый результат заменяет предыдущий.
	PolicyOverwrite = "overwrite"
	// PolicyAppend — каждый запуск сохраняется отдельной записью.
	PolicyAppend = "append"
)

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT (токены выпускает внешний IdP) ---

	// URL JWKS endpoint IdP
	JWTJWKSURL string
	// Ожидаемый issuer (пустая строка — не проверяется)
	JWTIssuer string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Путь к CA-сертификату для TLS (опционально)
	CACertPath string
	// Subjects IdP, которые при первом входе получают роль admin
	BootstrapAdmins []string

	// --- Видео ---

	// Директория хранения загруженных видео
	VideoDir string
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64

	// --- Сервисы инференса ---

	// Endpoint сервиса классификации
	ClassifierURL string
	// Endpoint первой модели скрининга ИМ
	MIModel1URL string
	// Endpoint второй модели скрининга ИМ
	MIModel2URL string
	// Таймаут вызова классификатора
	ClassifierTimeout time.Duration
	// Таймаут каждого вызова модели скрининга
	DetectorTimeout time.Duration

	// --- Политики повторного запуска ---

	// overwrite | append
	ClassificationPolicy string
	// append | overwrite
	DetectionPolicy string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Кэш отображаемых имён пользователей ---

	UserCacheSize int
	UserCacheTTL  time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// EC_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("EC_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("EC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("EC_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("EC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("EC_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("EC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("EC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("EC_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("EC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("EC_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("EC_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("EC_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("EC_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("EC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("EC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	cfg.JWTJWKSURL, err = getEnvRequired("EC_JWT_JWKS_URL")
	if err != nil {
		return nil, err
	}

	cfg.JWTIssuer = getEnvDefault("EC_JWT_ISSUER", "")

	cfg.JWKSClientTimeout, err = getEnvDuration("EC_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("EC_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EC_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWTLeeway, err = getEnvDuration("EC_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_JWT_LEEWAY: %w", err)
	}

	cfg.CACertPath = getEnvDefault("EC_CA_CERT_PATH", "")
	cfg.BootstrapAdmins = parseCSV(getEnvDefault("EC_BOOTSTRAP_ADMINS", ""))

	// --- Видео ---

	cfg.VideoDir = getEnvDefault("EC_VIDEO_DIR", "./videos")

	maxUpload, err := getEnvInt("EC_MAX_UPLOAD_SIZE", 512<<20)
	if err != nil {
		return nil, fmt.Errorf("EC_MAX_UPLOAD_SIZE: %w", err)
	}
	if maxUpload < 1 {
		return nil, fmt.Errorf("EC_MAX_UPLOAD_SIZE: значение должно быть положительным, получено %d", maxUpload)
	}
	cfg.MaxUploadSize = int64(maxUpload)

	// --- Сервисы инференса ---

	cfg.ClassifierURL, err = getEnvURL("EC_CLASSIFIER_URL", "http://localhost:8001/classify")
	if err != nil {
		return nil, err
	}

	cfg.MIModel1URL, err = getEnvURL("EC_MI_MODEL1_URL", "http://127.0.0.1:8002/model1_mi")
	if err != nil {
		return nil, err
	}

	cfg.MIModel2URL, err = getEnvURL("EC_MI_MODEL2_URL", "http://127.0.0.1:8003/model2_mi")
	if err != nil {
		return nil, err
	}

	cfg.ClassifierTimeout, err = getEnvDuration("EC_CLASSIFIER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_CLASSIFIER_TIMEOUT: %w", err)
	}

	// EC_DETECTOR_TIMEOUT — таймаут КАЖДОГО из двух вызовов скрининга
	cfg.DetectorTimeout, err = getEnvDuration("EC_DETECTOR_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_DETECTOR_TIMEOUT: %w", err)
	}
	if cfg.ClassifierTimeout <= 0 || cfg.DetectorTimeout <= 0 {
		return nil, fmt.Errorf("таймауты инференса должны быть положительными")
	}

	// --- Политики ---

	cfg.ClassificationPolicy, err = parsePolicy("EC_CLASSIFICATION_POLICY", PolicyOverwrite)
	if err != nil {
		return nil, err
	}

	cfg.DetectionPolicy, err = parsePolicy("EC_DETECTION_POLICY", PolicyAppend)
	if err != nil {
		return nil, err
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("EC_DEPHEALTH_GROUP", "echocardio")

	cfg.DephealthCheckInterval, err = getEnvDuration("EC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Кэш ---

	cfg.UserCacheSize, err = getEnvInt("EC_USER_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("EC_USER_CACHE_SIZE: %w", err)
	}
	if cfg.UserCacheSize < 1 {
		return nil, fmt.Errorf("EC_USER_CACHE_SIZE: значение %d должно быть >= 1", cfg.UserCacheSize)
	}

	cfg.UserCacheTTL, err = getEnvDuration("EC_USER_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EC_USER_CACHE_TTL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("EC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvURL возвращает абсолютный http(s) URL из переменной окружения.
func getEnvURL(key, defaultVal string) (string, error) {
	val := strings.TrimRight(getEnvDefault(key, defaultVal), "/")
	u, err := url.Parse(val)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s: некорректный URL %q", key, val)
	}
	return val, nil
}

// parsePolicy читает политику повторного запуска.
func parsePolicy(key, defaultVal string) (string, error) {
	val := strings.ToLower(getEnvDefault(key, defaultVal))
	if val != PolicyOverwrite && val != PolicyAppend {
		return "", fmt.Errorf("%s: недопустимое значение %q, допустимые: overwrite, append", key, val)
	}
	return val, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
