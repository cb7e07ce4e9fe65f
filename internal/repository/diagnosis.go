package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// DiagnosisRepository — заключения врачей и история их правок.
type DiagnosisRepository interface {
	// Create сохраняет новое заключение.
	Create(ctx context.Context, d *model.Diagnosis) error
	// GetByID возвращает заключение по UUID.
	GetByID(ctx context.Context, id string) (*model.Diagnosis, error)
	// GetForUpdate возвращает заключение с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.Diagnosis, error)
	// UpdateContent заменяет текст заключения и updated_at.
	UpdateContent(ctx context.Context, d *model.Diagnosis) error
	// ListByVideo возвращает заключения видео по времени создания.
	// desc = true — новые первыми.
	ListByVideo(ctx context.Context, videoID string, desc bool) ([]*model.Diagnosis, error)
	// AppendRevision добавляет прежнюю версию текста в историю.
	AppendRevision(ctx context.Context, rev *model.DiagnosisRevision) error
	// ListRevisions возвращает историю заключения в хронологическом порядке.
	ListRevisions(ctx context.Context, diagnosisID string) ([]*model.DiagnosisRevision, error)
}

type diagnosisRepo struct {
	db DBTX
}

// NewDiagnosisRepository создаёт репозиторий заключений.
func NewDiagnosisRepository(db DBTX) DiagnosisRepository {
	return &diagnosisRepo{db: db}
}

const diagnosisColumns = `id, video_id, doctor_id, patient_id, content, created_at, updated_at`

func scanDiagnosis(row pgx.Row) (*model.Diagnosis, error) {
	d := &model.Diagnosis{}
	err := row.Scan(&d.ID, &d.VideoID, &d.DoctorID, &d.PatientID, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *diagnosisRepo) Create(ctx context.Context, d *model.Diagnosis) error {
	query := `
		INSERT INTO diagnoses (id, video_id, doctor_id, patient_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	_, err := r.db.Exec(ctx, query, d.ID, d.VideoID, d.DoctorID, d.PatientID, d.Content, d.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: видео %s", ErrNotFound, d.VideoID)
		}
		return fmt.Errorf("ошибка создания заключения: %w", err)
	}
	d.UpdatedAt = d.CreatedAt
	return nil
}

func (r *diagnosisRepo) GetByID(ctx context.Context, id string) (*model.Diagnosis, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM diagnoses WHERE id = $1`, diagnosisColumns), id)
}

func (r *diagnosisRepo) GetForUpdate(ctx context.Context, id string) (*model.Diagnosis, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM diagnoses WHERE id = $1 FOR UPDATE`, diagnosisColumns), id)
}

func (r *diagnosisRepo) get(ctx context.Context, query, id string) (*model.Diagnosis, error) {
	d, err := scanDiagnosis(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения заключения: %w", err)
	}
	return d, nil
}

func (r *diagnosisRepo) UpdateContent(ctx context.Context, d *model.Diagnosis) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE diagnoses SET content = $2, updated_at = $3 WHERE id = $1`,
		d.ID, d.Content, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления заключения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *diagnosisRepo) ListByVideo(ctx context.Context, videoID string, desc bool) ([]*model.Diagnosis, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM diagnoses
		WHERE video_id = $1
		ORDER BY created_at %s, id %s`, diagnosisColumns, order, order)

	rows, err := r.db.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заключений: %w", err)
	}
	defer rows.Close()

	var result []*model.Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования заключения: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *diagnosisRepo) AppendRevision(ctx context.Context, rev *model.DiagnosisRevision) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO diagnosis_history (id, diagnosis_id, content, modified_at)
		VALUES ($1, $2, $3, $4)`,
		rev.ID, rev.DiagnosisID, rev.Content, rev.ModifiedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: заключение %s", ErrNotFound, rev.DiagnosisID)
		}
		return fmt.Errorf("ошибка записи истории заключения: %w", err)
	}
	return nil
}

func (r *diagnosisRepo) ListRevisions(ctx context.Context, diagnosisID string) ([]*model.DiagnosisRevision, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, diagnosis_id, content, modified_at
		FROM diagnosis_history
		WHERE diagnosis_id = $1
		ORDER BY modified_at, id`, diagnosisID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории заключения: %w", err)
	}
	defer rows.Close()

	var result []*model.DiagnosisRevision
	for rows.Next() {
		rev := &model.DiagnosisRevision{}
		if err := rows.Scan(&rev.ID, &rev.DiagnosisID, &rev.Content, &rev.ModifiedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования истории заключения: %w", err)
		}
		result = append(result, rev)
	}
	return result, rows.Err()
}
