package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// classificationField — поле метки в ответе классификатора.
const classificationField = "classification"

// Classifier — клиент сервиса классификации видео.
// Ретраев нет: повтор — решение вызывающей стороны.
type Classifier struct {
	client   *Client
	endpoint string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClassifier создаёт клиент классификатора.
func NewClassifier(client *Client, endpoint string, timeout time.Duration, logger *slog.Logger) *Classifier {
	return &Classifier{
		client:   client,
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "classifier")),
	}
}

// Classify отправляет видео классификатору и возвращает метку.
// Любой сбой (сеть, таймаут, некорректный ответ) возвращается как ошибка,
// обёртывающая ErrUnavailable или ErrMalformedResponse.
func (c *Classifier) Classify(ctx context.Context, video Video) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	label, err := c.client.PostLabel(ctx, c.endpoint, classificationField, video)
	inferenceDuration.WithLabelValues("classifier").Observe(time.Since(start).Seconds())
	inferenceRequestsTotal.WithLabelValues("classifier", outcomeOf(err)).Inc()

	if err != nil {
		c.logger.Warn("Классификатор недоступен",
			slog.String("endpoint", c.endpoint),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return label, nil
}

// isMalformed сообщает, что ошибка вызвана некорректным ответом сервиса.
func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}
