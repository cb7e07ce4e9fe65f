// Пакет service — бизнес-логика echocardio.
// orchestrator.go — workflow видеозаписи: загрузка → классификация →
// детекция ИМ → заключения, с проверкой авторизации перед каждым действием.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maoyuanshou/echocardio-system/internal/config"
	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/domain/workflow"
	"github.com/maoyuanshou/echocardio-system/internal/inference"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
	"github.com/maoyuanshou/echocardio-system/internal/storage/filestore"
)

// Authorizer — внешняя политика авторизации.
type Authorizer interface {
	Authorize(ctx context.Context, user *model.User, action rbac.Action, res rbac.Resource) bool
}

// VideoClassifier — клиент сервиса классификации.
type VideoClassifier interface {
	Classify(ctx context.Context, video inference.Video) (string, error)
}

// MIDetector — ансамбль скрининга ИМ. Не возвращает ошибок.
type MIDetector interface {
	Detect(ctx context.Context, video inference.Video) inference.EnsembleResult
}

// Policies — политики повторного запуска (overwrite | append).
type Policies struct {
	Classification string
	Detection      string
}

// ClassifyOutcome — результат классификации.
type ClassifyOutcome struct {
	Video *model.VideoRecord
	Label string
}

// DetectOutcome — результат детекции ИМ.
// Detection.Degraded сообщает, что хотя бы одна модель была недоступна.
type DetectOutcome struct {
	Video     *model.VideoRecord
	Detection *model.MIDetection
}

// Orchestrator — единая точка входа действий workflow.
// Каждое действие начинается с проверки авторизации и применяется
// целиком одной транзакцией либо не применяется вовсе.
type Orchestrator struct {
	uow        repository.UnitOfWork
	files      *filestore.FileStore
	authz      Authorizer
	classifier VideoClassifier
	detector   MIDetector
	ledger     *DiagnosisLedger
	audit      *AuditTrail
	directory  *UserDirectory
	policies   Policies
	// writeTimeout ограничивает запись результатов после внешнего вызова
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// OrchestratorDeps — зависимости Orchestrator.
type OrchestratorDeps struct {
	UnitOfWork   repository.UnitOfWork
	Files        *filestore.FileStore
	Authorizer   Authorizer
	Classifier   VideoClassifier
	Detector     MIDetector
	Directory    *UserDirectory
	Policies     Policies
	WriteTimeout time.Duration
	// Now — источник времени (nil — time.Now в UTC)
	Now func() time.Time
}

// NewOrchestrator создаёт Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, logger *slog.Logger) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	writeTimeout := deps.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	policies := deps.Policies
	if policies.Classification == "" {
		policies.Classification = config.PolicyOverwrite
	}
	if policies.Detection == "" {
		policies.Detection = config.PolicyAppend
	}

	return &Orchestrator{
		uow:          deps.UnitOfWork,
		files:        deps.Files,
		authz:        deps.Authorizer,
		classifier:   deps.Classifier,
		detector:     deps.Detector,
		ledger:       NewDiagnosisLedger(now),
		audit:        NewAuditTrail(now),
		directory:    deps.Directory,
		policies:     policies,
		writeTimeout: writeTimeout,
		now:          now,
		logger:       logger.With(slog.String("component", "orchestrator")),
	}
}

// authorize проверяет действие через политику авторизации.
func (o *Orchestrator) authorize(ctx context.Context, user *model.User, action rbac.Action, res rbac.Resource) error {
	if !o.authz.Authorize(ctx, user, action, res) {
		o.logger.Info("Действие запрещено",
			slog.String("user_id", userID(user)),
			slog.String("action", string(action)),
		)
		return fmt.Errorf("%w: %s", ErrPermissionDenied, action)
	}
	return nil
}

// loadVideo читает видео без блокировки.
func (o *Orchestrator) loadVideo(ctx context.Context, videoID string) (*model.VideoRecord, error) {
	v, err := o.uow.Store().Videos.GetByID(ctx, videoID)
	if err != nil {
		return nil, notFound(err, "видео "+videoID)
	}
	return v, nil
}

// detached возвращает контекст записи, не зависящий от отмены запроса:
// результат внешнего вызова сохраняется целиком, даже если клиент отключился.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.writeTimeout)
}

// videoSource возвращает источник файла видео для сервисов инференса.
func (o *Orchestrator) videoSource(v *model.VideoRecord) inference.Video {
	return inference.Video{
		Filename: v.OriginalFilename,
		Open: func() (io.ReadCloser, error) {
			return o.files.Open(v.StoragePath)
		},
	}
}

// advance переводит видео в следующую стадию по событию.
func advance(v *model.VideoRecord, ev workflow.Event) error {
	cur, err := workflow.ParseState(v.State)
	if err != nil {
		return err
	}
	next, err := workflow.Next(cur, ev)
	if err != nil {
		return err
	}
	v.State = string(next)
	return nil
}

// Classify отправляет видео классификатору и сохраняет метку.
// При недоступности классификатора видео не изменяется.
func (o *Orchestrator) Classify(ctx context.Context, user *model.User, videoID string) (*ClassifyOutcome, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionClassify, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}

	label, err := o.classifier.Classify(ctx, o.videoSource(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	wctx, cancel := o.detached(ctx)
	defer cancel()

	var updated *model.VideoRecord
	err = o.uow.InTx(wctx, func(s *repository.Store) error {
		locked, err := s.Videos.GetForUpdate(wctx, videoID)
		if err != nil {
			return notFound(err, "видео "+videoID)
		}

		now := o.now()
		locked.ClassificationResult = &label
		locked.ClassifiedAt = &now
		if err := advance(locked, workflow.EventClassified); err != nil {
			return err
		}
		if err := s.Videos.UpdateWorkflow(wctx, locked); err != nil {
			return err
		}

		if o.policies.Classification == config.PolicyAppend {
			run := &model.ClassificationRun{
				ID:           uuid.New().String(),
				VideoID:      videoID,
				Label:        label,
				ClassifiedAt: now,
			}
			if err := s.Classifications.Append(wctx, run); err != nil {
				return err
			}
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("сохранение классификации: %w", err)
	}

	o.logger.Info("Видео классифицировано",
		slog.String("video_id", videoID),
		slog.String("label", label),
		slog.String("state", updated.State),
	)
	return &ClassifyOutcome{Video: updated, Label: label}, nil
}

// Detect запускает ансамбль скрининга ИМ и сохраняет результат.
// Отказ моделей не является ошибкой: результат помечается Degraded.
func (o *Orchestrator) Detect(ctx context.Context, user *model.User, videoID string) (*DetectOutcome, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionDetect, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}

	res := o.detector.Detect(ctx, o.videoSource(v))

	// Отмена запроса обрывает вызовы моделей: такие Unknown не являются
	// сигналом об отказе моделей и не сохраняются
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("детекция прервана: %w", err)
	}

	det := &model.MIDetection{
		ID:          uuid.New().String(),
		VideoID:     videoID,
		RequestedBy: user.ID,
		Model1:      res.Model1,
		Model2:      res.Model2,
		Final:       res.Final,
		Degraded:    res.Degraded,
		DetectedAt:  o.now(),
	}

	wctx, cancel := o.detached(ctx)
	defer cancel()

	var updated *model.VideoRecord
	err = o.uow.InTx(wctx, func(s *repository.Store) error {
		locked, err := s.Videos.GetForUpdate(wctx, videoID)
		if err != nil {
			return notFound(err, "видео "+videoID)
		}
		if o.policies.Detection == config.PolicyOverwrite {
			if _, err := s.Detections.DeleteByVideo(wctx, videoID); err != nil {
				return err
			}
		}
		if err := s.Detections.Create(wctx, det); err != nil {
			return err
		}
		if err := advance(locked, workflow.EventDetected); err != nil {
			return err
		}
		if err := s.Videos.UpdateWorkflow(wctx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("сохранение детекции: %w", err)
	}

	o.logger.Info("Детекция ИМ выполнена",
		slog.String("video_id", videoID),
		slog.String("final", string(det.Final)),
		slog.Bool("degraded", det.Degraded),
	)
	return &DetectOutcome{Video: updated, Detection: det}, nil
}

// ListDetections возвращает результаты детекции видео (новые первыми).
func (o *Orchestrator) ListDetections(ctx context.Context, user *model.User, videoID string) ([]*model.MIDetection, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionViewVideo, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}
	return o.uow.Store().Detections.ListByVideo(ctx, videoID)
}

// Diagnose добавляет заключение врача к видео.
func (o *Orchestrator) Diagnose(ctx context.Context, user *model.User, videoID, text string) (*model.Diagnosis, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionDiagnose, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}
	if err := checkContent(text); err != nil {
		return nil, err
	}

	var d *model.Diagnosis
	err = o.uow.InTx(ctx, func(s *repository.Store) error {
		locked, err := s.Videos.GetForUpdate(ctx, videoID)
		if err != nil {
			return notFound(err, "видео "+videoID)
		}
		d, err = o.ledger.Record(ctx, s, locked, user.ID, text)
		if err != nil {
			return err
		}
		if err := advance(locked, workflow.EventDiagnosed); err != nil {
			return err
		}
		return s.Videos.UpdateWorkflow(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Заключение добавлено",
		slog.String("video_id", videoID),
		slog.String("diagnosis_id", d.ID),
		slog.String("doctor_id", user.ID),
	)
	return d, nil
}

// ReviseDiagnosis заменяет текст заключения, сохраняя прежний текст в истории.
// Править может только автор.
func (o *Orchestrator) ReviseDiagnosis(ctx context.Context, user *model.User, diagnosisID, text string) (*model.Diagnosis, error) {
	d, err := o.uow.Store().Diagnoses.GetByID(ctx, diagnosisID)
	if err != nil {
		return nil, notFound(err, "заключение "+diagnosisID)
	}
	res := rbac.Resource{OwnerID: d.PatientID, AuthorID: d.DoctorID}
	if err := o.authorize(ctx, user, rbac.ActionReviseDiagnosis, res); err != nil {
		return nil, err
	}
	if err := checkContent(text); err != nil {
		return nil, err
	}

	var revised *model.Diagnosis
	err = o.uow.InTx(ctx, func(s *repository.Store) error {
		locked, err := s.Diagnoses.GetForUpdate(ctx, diagnosisID)
		if err != nil {
			return notFound(err, "заключение "+diagnosisID)
		}
		revised, err = o.ledger.Revise(ctx, s, locked, text)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Заключение исправлено",
		slog.String("diagnosis_id", diagnosisID),
		slog.String("doctor_id", user.ID),
	)
	return revised, nil
}
