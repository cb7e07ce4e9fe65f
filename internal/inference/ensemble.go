package inference

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// resultField — поле метки в ответе моделей скрининга ИМ.
const resultField = "result"

// ScreeningModel — одна из двух моделей скрининга.
type ScreeningModel struct {
	// Name — имя для логов и метрик (model1, model2)
	Name     string
	Endpoint string
}

// EnsembleResult — итог одного запуска ансамбля.
type EnsembleResult struct {
	Model1   model.MIResult
	Model2   model.MIResult
	Final    model.MIResult
	Degraded bool
}

// Ensemble — параллельный опрос двух моделей скрининга ИМ с агрегацией
// «MI, если хотя бы одна модель сообщила MI».
// Отказ модели превращается в Unknown и не прерывает детекцию.
type Ensemble struct {
	client  *Client
	models  [2]ScreeningModel
	timeout time.Duration
	logger  *slog.Logger
}

// NewEnsemble создаёт ансамбль из двух моделей.
// timeout ограничивает каждый вызов независимо.
func NewEnsemble(client *Client, model1, model2 ScreeningModel, timeout time.Duration, logger *slog.Logger) *Ensemble {
	return &Ensemble{
		client:  client,
		models:  [2]ScreeningModel{model1, model2},
		timeout: timeout,
		logger:  logger.With(slog.String("component", "mi_ensemble")),
	}
}

// Models возвращает модели ансамбля (для мониторинга зависимостей).
func (e *Ensemble) Models() [2]ScreeningModel {
	return e.models
}

// Detect опрашивает обе модели одновременно и дожидается завершения обоих вызовов.
// Никогда не возвращает ошибку: недоступная модель даёт Unknown и флаг Degraded.
func (e *Ensemble) Detect(ctx context.Context, video Video) EnsembleResult {
	var results [2]model.MIResult

	// Ошибки вызовов не отменяют соседний вызов: функции группы всегда возвращают nil
	var g errgroup.Group
	for i, m := range e.models {
		g.Go(func() error {
			results[i] = e.screen(ctx, m, video)
			return nil
		})
	}
	_ = g.Wait()

	res := EnsembleResult{
		Model1:   results[0],
		Model2:   results[1],
		Final:    model.AggregateMI(results[0], results[1]),
		Degraded: results[0] == model.MIUnknown || results[1] == model.MIUnknown,
	}

	miDetectionsTotal.WithLabelValues(string(res.Final), strconv.FormatBool(res.Degraded)).Inc()
	if res.Degraded {
		e.logger.Warn("Детекция ИМ выполнена в деградированном режиме",
			slog.String("model1", string(res.Model1)),
			slog.String("model2", string(res.Model2)),
			slog.String("final", string(res.Final)),
		)
	}
	return res
}

// screen выполняет один вызов модели с собственным таймаутом.
func (e *Ensemble) screen(ctx context.Context, m ScreeningModel, video Video) model.MIResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	label, err := e.client.PostLabel(ctx, m.Endpoint, resultField, video)
	inferenceDuration.WithLabelValues(m.Name).Observe(time.Since(start).Seconds())
	inferenceRequestsTotal.WithLabelValues(m.Name, outcomeOf(err)).Inc()

	if err != nil {
		e.logger.Warn("Модель скрининга недоступна",
			slog.String("model", m.Name),
			slog.String("endpoint", m.Endpoint),
			slog.String("error", err.Error()),
		)
		return model.MIUnknown
	}

	res := model.ParseMIResult(label)
	if res == model.MIUnknown {
		e.logger.Warn("Модель скрининга вернула нераспознанную метку",
			slog.String("model", m.Name),
			slog.String("label", label),
		)
	}
	return res
}
