package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"EC_DB_HOST":      "localhost",
		"EC_DB_NAME":      "echocardio",
		"EC_DB_USER":      "echocardio",
		"EC_DB_PASSWORD":  "secret",
		"EC_JWT_JWKS_URL": "https://idp.example.lan/realms/clinic/protocol/openid-connect/certs",
	}
}

// resetEnvs очищает обязательные переменные, оставшиеся от предыдущих подтестов.
func resetEnvs() {
	for k := range minimalEnvs() {
		os.Unsetenv(k)
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8000 {
		t.Errorf("Port = %d, ожидается 8000", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.VideoDir != "./videos" {
		t.Errorf("VideoDir = %q, ожидается ./videos", cfg.VideoDir)
	}
	if cfg.MaxUploadSize != 512<<20 {
		t.Errorf("MaxUploadSize = %d, ожидается 512 MiB", cfg.MaxUploadSize)
	}
	if cfg.ClassifierURL != "http://localhost:8001/classify" {
		t.Errorf("ClassifierURL = %q", cfg.ClassifierURL)
	}
	if cfg.MIModel1URL != "http://127.0.0.1:8002/model1_mi" {
		t.Errorf("MIModel1URL = %q", cfg.MIModel1URL)
	}
	if cfg.MIModel2URL != "http://127.0.0.1:8003/model2_mi" {
		t.Errorf("MIModel2URL = %q", cfg.MIModel2URL)
	}
	if cfg.DetectorTimeout != 30*time.Second {
		t.Errorf("DetectorTimeout = %v, ожидается 30s", cfg.DetectorTimeout)
	}
	if cfg.ClassificationPolicy != PolicyOverwrite {
		t.Errorf("ClassificationPolicy = %q, ожидается overwrite", cfg.ClassificationPolicy)
	}
	if cfg.DetectionPolicy != PolicyAppend {
		t.Errorf("DetectionPolicy = %q, ожидается append", cfg.DetectionPolicy)
	}
	if cfg.JWTIssuer != "" {
		t.Errorf("JWTIssuer = %q, ожидается пустая строка", cfg.JWTIssuer)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["EC_PORT"] = "9090"
	envs["EC_LOG_LEVEL"] = "debug"
	envs["EC_LOG_FORMAT"] = "text"
	envs["EC_DETECTOR_TIMEOUT"] = "5s"
	envs["EC_MI_MODEL2_URL"] = "https://mi2.example.lan/screen/"
	envs["EC_DETECTION_POLICY"] = "Overwrite"
	envs["EC_CLASSIFICATION_POLICY"] = "append"
	envs["EC_BOOTSTRAP_ADMINS"] = "sub-1, sub-2"
	envs["EC_MAX_UPLOAD_SIZE"] = "1048576"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, ожидается 9090", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if cfg.DetectorTimeout != 5*time.Second {
		t.Errorf("DetectorTimeout = %v, ожидается 5s", cfg.DetectorTimeout)
	}
	if cfg.MIModel2URL != "https://mi2.example.lan/screen" {
		t.Errorf("MIModel2URL = %q, ожидается без trailing slash", cfg.MIModel2URL)
	}
	if cfg.DetectionPolicy != PolicyOverwrite {
		t.Errorf("DetectionPolicy = %q, ожидается overwrite", cfg.DetectionPolicy)
	}
	if cfg.ClassificationPolicy != PolicyAppend {
		t.Errorf("ClassificationPolicy = %q, ожидается append", cfg.ClassificationPolicy)
	}
	if len(cfg.BootstrapAdmins) != 2 || cfg.BootstrapAdmins[1] != "sub-2" {
		t.Errorf("BootstrapAdmins = %v, ожидается [sub-1 sub-2]", cfg.BootstrapAdmins)
	}
	if cfg.MaxUploadSize != 1048576 {
		t.Errorf("MaxUploadSize = %d, ожидается 1048576", cfg.MaxUploadSize)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for missing := range minimalEnvs() {
		t.Run(missing, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, missing)
			resetEnvs()
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Errorf("Load() не вернул ошибку при отсутствии %s", missing)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"EC_PORT", "0"},
		{"EC_PORT", "abc"},
		{"EC_LOG_LEVEL", "verbose"},
		{"EC_LOG_FORMAT", "xml"},
		{"EC_DB_SSL_MODE", "prefer"},
		{"EC_DETECTOR_TIMEOUT", "abc"},
		{"EC_DETECTOR_TIMEOUT", "-1s"},
		{"EC_CLASSIFIER_URL", "ftp://classifier"},
		{"EC_MI_MODEL1_URL", "not a url"},
		{"EC_DETECTION_POLICY", "merge"},
		{"EC_MAX_UPLOAD_SIZE", "0"},
		{"EC_USER_CACHE_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.value
			resetEnvs()
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Errorf("Load() не вернул ошибку при %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.example.com",
		DBPort:     5432,
		DBName:     "echocardio",
		DBUser:     "user",
		DBPassword: "pass",
		DBSSLMode:  "disable",
	}
	expected := "host=db.example.com port=5432 dbname=echocardio user=user password=pass sslmode=disable"
	if dsn := cfg.DatabaseDSN(); dsn != expected {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", dsn, expected)
	}
	if u := cfg.DatabaseURL(); strings.Contains(u, "pass") {
		t.Errorf("DatabaseURL() содержит пароль: %q", u)
	}
}

func TestMigrateURL_EscapesPassword(t *testing.T) {
	cfg := &Config{
		DBHost:     "db",
		DBPort:     5432,
		DBName:     "echocardio",
		DBUser:     "user",
		DBPassword: "p@ss/word",
		DBSSLMode:  "disable",
	}
	u := cfg.MigrateURL()
	if !strings.HasPrefix(u, "pgx5://user:") {
		t.Errorf("MigrateURL() = %q, ожидается схема pgx5", u)
	}
	if strings.Contains(u, "p@ss/word") {
		t.Errorf("MigrateURL() = %q, пароль не экранирован", u)
	}
	if !strings.HasSuffix(u, "/echocardio?sslmode=disable") {
		t.Errorf("MigrateURL() = %q", u)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			logger := SetupLogger(&Config{LogLevel: slog.LevelInfo, LogFormat: format})
			if logger == nil {
				t.Error("SetupLogger() вернул nil")
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"", nil},
		{"sub-1", []string{"sub-1"}},
		{"sub-1,,sub-2,", []string{"sub-1", "sub-2"}},
		{" a , b , c ", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseCSV(tt.input)
			if len(result) != len(tt.expected) {
				t.Fatalf("parseCSV(%q) = %v, ожидается %v", tt.input, result, tt.expected)
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("parseCSV(%q)[%d] = %q, ожидается %q", tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}
