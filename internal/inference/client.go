// Пакет inference — клиенты внешних сервисов инференса:
// классификатора видео и двух моделей скрининга инфаркта миокарда.
// Видео отправляется multipart-запросом (поле file), ответ — JSON с текстовой меткой.
// Транспортные ошибки не выходят за пределы пакета в сыром виде.
package inference

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

// Ошибки сервисов инференса.
var (
	// ErrUnavailable — сервис недоступен (сеть, таймаут, статус не 2xx).
	ErrUnavailable = errors.New("сервис инференса недоступен")
	// ErrMalformedResponse — ответ не содержит ожидаемой метки.
	ErrMalformedResponse = errors.New("некорректный ответ сервиса инференса")
)

// maxResponseSize — предельный размер JSON-ответа сервиса.
const maxResponseSize = 64 << 10

// Video — видео, отправляемое на инференс.
// Open вызывается на каждый запрос: параллельные вызовы читают файл независимо.
type Video struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Client — HTTP-клиент сервисов инференса.
// Таймауты задаются через context вызывающей стороной.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создаёт клиент инференса.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func NewClient(caCertPath string, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат добавлен в пул доверия клиента инференса",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "inference_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{RootCAs: caCertPool}, nil
}

// PostLabel отправляет видео на endpoint и возвращает строковое поле labelField из ответа.
// Возвращает ошибку, обёртывающую ErrUnavailable или ErrMalformedResponse.
func (c *Client) PostLabel(ctx context.Context, endpoint, labelField string, video Video) (string, error) {
	src, err := video.Open()
	if err != nil {
		// Файл видео недоступен — вызов невозможен так же, как при отказе сервиса
		return "", fmt.Errorf("%w: открытие видео: %v", ErrUnavailable, err)
	}
	defer src.Close()

	body, contentType, err := multipartBody(src, video.Filename)
	if err != nil {
		return "", fmt.Errorf("%w: формирование запроса: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("%w: создание запроса к %s: %v", ErrUnavailable, endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: запрос к %s: %v", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: %s вернул статус %d: %s",
			ErrUnavailable, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: декодирование ответа %s: %v", ErrMalformedResponse, endpoint, err)
	}

	label, ok := payload[labelField].(string)
	if !ok || strings.TrimSpace(label) == "" {
		return "", fmt.Errorf("%w: %s не вернул поле %q", ErrMalformedResponse, endpoint, labelField)
	}

	c.logger.Debug("Ответ сервиса инференса",
		slog.String("endpoint", endpoint),
		slog.String("label", label),
		slog.Duration("duration", time.Since(start)),
	)
	return strings.TrimSpace(label), nil
}

// multipartBody собирает тело multipart/form-data с полем file
// без буферизации содержимого видео: префикс и суффикс формы
// склеиваются с потоком файла через io.MultiReader.
func multipartBody(src io.Reader, filename string) (io.Reader, string, error) {
	if filename == "" {
		filename = "video"
	}

	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	if _, err := mw.CreateFormFile("file", filename); err != nil {
		return nil, "", err
	}
	prefix := append([]byte(nil), head.Bytes()...)

	head.Reset()
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	suffix := append([]byte(nil), head.Bytes()...)

	return io.MultiReader(bytes.NewReader(prefix), src, bytes.NewReader(suffix)), mw.FormDataContentType(), nil
}
