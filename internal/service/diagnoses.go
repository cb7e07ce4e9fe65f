package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
)

// exportTimeLayout — формат времени в текстовом экспорте заключений.
const exportTimeLayout = "2006-01-02 15:04:05"

// DiagnosisWithHistory — заключение и прежние версии его текста.
type DiagnosisWithHistory struct {
	Diagnosis *model.Diagnosis
	Revisions []*model.DiagnosisRevision
}

// Export — текстовый экспорт заключений по видео.
type Export struct {
	Filename string
	Content  string
}

// ListDiagnoses возвращает заключения видео в заданном порядке.
func (o *Orchestrator) ListDiagnoses(ctx context.Context, user *model.User, videoID string, order Order) ([]*model.Diagnosis, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionReadDiagnoses, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}
	return o.ledger.ListFor(ctx, o.uow.Store(), videoID, order)
}

// LastDiagnosis возвращает самое свежее заключение по видео.
func (o *Orchestrator) LastDiagnosis(ctx context.Context, user *model.User, videoID string) (*model.Diagnosis, error) {
	list, err := o.ListDiagnoses(ctx, user, videoID, OrderDesc)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: заключений по видео %s нет", ErrNotFound, videoID)
	}
	return list[0], nil
}

// DiagnosisHistory возвращает заключение и историю его правок.
func (o *Orchestrator) DiagnosisHistory(ctx context.Context, user *model.User, diagnosisID string) (*DiagnosisWithHistory, error) {
	store := o.uow.Store()
	d, err := store.Diagnoses.GetByID(ctx, diagnosisID)
	if err != nil {
		return nil, notFound(err, "заключение "+diagnosisID)
	}
	res := rbac.Resource{OwnerID: d.PatientID, AuthorID: d.DoctorID}
	if err := o.authorize(ctx, user, rbac.ActionReadDiagnoses, res); err != nil {
		return nil, err
	}

	revs, err := o.ledger.History(ctx, store, diagnosisID)
	if err != nil {
		return nil, err
	}
	return &DiagnosisWithHistory{Diagnosis: d, Revisions: revs}, nil
}

// ExportDiagnoses формирует текстовый файл с заключениями по видео
// в хронологическом порядке.
func (o *Orchestrator) ExportDiagnoses(ctx context.Context, user *model.User, videoID string) (*Export, error) {
	list, err := o.ListDiagnoses(ctx, user, videoID, OrderAsc)
	if err != nil {
		return nil, err
	}
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}

	exp := &Export{Filename: fmt.Sprintf("diagnosis_video_%s.txt", v.ID)}
	if len(list) == 0 {
		exp.Content = "No diagnosis records available"
		return exp, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Video upload time: %s\n", v.UploadedAt.UTC().Format(exportTimeLayout))
	fmt.Fprintf(&b, "Patient: %s\n\n", o.directory.DisplayName(ctx, v.PatientID))
	b.WriteString("【Diagnosis Records】\n")
	for _, d := range list {
		fmt.Fprintf(&b, "- %s Doctor %s: %s\n",
			d.CreatedAt.UTC().Format(exportTimeLayout),
			o.directory.DisplayName(ctx, d.DoctorID),
			d.Content,
		)
	}
	exp.Content = b.String()
	return exp, nil
}
