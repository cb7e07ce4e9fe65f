package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

// Order — порядок выдачи заключений.
type Order string

const (
	// OrderAsc — по времени создания, для отображения.
	OrderAsc Order = "asc"
	// OrderDesc — новые первыми, для «последнего заключения».
	OrderDesc Order = "desc"
)

// ParseOrder разбирает порядок сортировки, пустая строка — asc.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", string(OrderAsc):
		return OrderAsc, nil
	case string(OrderDesc):
		return OrderDesc, nil
	default:
		return "", fmt.Errorf("%w: недопустимый порядок %q, допустимые: asc, desc", ErrValidation, s)
	}
}

// DiagnosisLedger — журнал заключений врачей с неизменяемой историей правок.
// Работает поверх переданного Store: транзакцию открывает вызывающая сторона.
type DiagnosisLedger struct {
	now func() time.Time
}

// NewDiagnosisLedger создаёт журнал заключений.
func NewDiagnosisLedger(now func() time.Time) *DiagnosisLedger {
	return &DiagnosisLedger{now: now}
}

// Record создаёт новое заключение. Прежние заключения не затрагиваются.
func (l *DiagnosisLedger) Record(ctx context.Context, s *repository.Store, video *model.VideoRecord, doctorID, text string) (*model.Diagnosis, error) {
	if err := checkContent(text); err != nil {
		return nil, err
	}

	d := &model.Diagnosis{
		ID:        uuid.New().String(),
		VideoID:   video.ID,
		DoctorID:  doctorID,
		PatientID: video.PatientID,
		Content:   text,
		CreatedAt: l.now(),
	}
	if err := s.Diagnoses.Create(ctx, d); err != nil {
		return nil, notFound(err, "видео "+video.ID)
	}
	return d, nil
}

// Revise сохраняет текущий текст заключения в историю и заменяет его newText.
// d должен быть загружен с блокировкой в той же транзакции.
func (l *DiagnosisLedger) Revise(ctx context.Context, s *repository.Store, d *model.Diagnosis, newText string) (*model.Diagnosis, error) {
	if err := checkContent(newText); err != nil {
		return nil, err
	}

	now := l.now()
	rev := &model.DiagnosisRevision{
		ID:          uuid.New().String(),
		DiagnosisID: d.ID,
		Content:     d.Content,
		ModifiedAt:  now,
	}
	if err := s.Diagnoses.AppendRevision(ctx, rev); err != nil {
		return nil, notFound(err, "заключение "+d.ID)
	}

	d.Content = newText
	d.UpdatedAt = now
	if err := s.Diagnoses.UpdateContent(ctx, d); err != nil {
		return nil, notFound(err, "заключение "+d.ID)
	}
	return d, nil
}

// ListFor возвращает заключения видео в заданном порядке.
func (l *DiagnosisLedger) ListFor(ctx context.Context, s *repository.Store, videoID string, order Order) ([]*model.Diagnosis, error) {
	return s.Diagnoses.ListByVideo(ctx, videoID, order == OrderDesc)
}

// History возвращает прежние версии текста в хронологическом порядке.
func (l *DiagnosisLedger) History(ctx context.Context, s *repository.Store, diagnosisID string) ([]*model.DiagnosisRevision, error) {
	return s.Diagnoses.ListRevisions(ctx, diagnosisID)
}

// checkContent отвергает пустой текст и текст из одних пробелов.
func checkContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContent
	}
	return nil
}
