package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// VideoRepository — интерфейс доступа к таблице videos.
type VideoRepository interface {
	// Create регистрирует загруженное видео.
	Create(ctx context.Context, v *model.VideoRecord) error
	// GetByID возвращает видео по UUID.
	GetByID(ctx context.Context, id string) (*model.VideoRecord, error)
	// GetForUpdate возвращает видео с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.VideoRecord, error)
	// List возвращает видео (новые первыми). patientID != nil — только видео пациента.
	List(ctx context.Context, patientID *string, limit, offset int) ([]*model.VideoRecord, error)
	// Count возвращает количество видео с тем же фильтром, что и List.
	Count(ctx context.Context, patientID *string) (int, error)
	// UpdateWorkflow сохраняет стадию и результат классификации.
	UpdateWorkflow(ctx context.Context, v *model.VideoRecord) error
}

type videoRepo struct {
	db DBTX
}

// NewVideoRepository создаёт репозиторий видеозаписей.
func NewVideoRepository(db DBTX) VideoRepository {
	return &videoRepo{db: db}
}

const videoColumns = `id, patient_id, storage_path, original_filename, size_bytes, checksum,
	state, classification_result, classified_at, uploaded_at`

func scanVideo(row pgx.Row) (*model.VideoRecord, error) {
	v := &model.VideoRecord{}
	err := row.Scan(
		&v.ID, &v.PatientID, &v.StoragePath, &v.OriginalFilename, &v.SizeBytes, &v.Checksum,
		&v.State, &v.ClassificationResult, &v.ClassifiedAt, &v.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *videoRepo) Create(ctx context.Context, v *model.VideoRecord) error {
	query := `
		INSERT INTO videos (id, patient_id, storage_path, original_filename, size_bytes, checksum, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING uploaded_at`

	err := r.db.QueryRow(ctx, query,
		v.ID, v.PatientID, v.StoragePath, v.OriginalFilename, v.SizeBytes, v.Checksum, v.State,
	).Scan(&v.UploadedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: путь хранения %s уже занят", ErrConflict, v.StoragePath)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: пациент %s", ErrNotFound, v.PatientID)
		}
		return fmt.Errorf("ошибка создания видео: %w", err)
	}
	return nil
}

func (r *videoRepo) GetByID(ctx context.Context, id string) (*model.VideoRecord, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM videos WHERE id = $1`, videoColumns), id)
}

func (r *videoRepo) GetForUpdate(ctx context.Context, id string) (*model.VideoRecord, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM videos WHERE id = $1 FOR UPDATE`, videoColumns), id)
}

func (r *videoRepo) get(ctx context.Context, query, id string) (*model.VideoRecord, error) {
	v, err := scanVideo(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения видео: %w", err)
	}
	return v, nil
}

func (r *videoRepo) List(ctx context.Context, patientID *string, limit, offset int) ([]*model.VideoRecord, error) {
	// NULL-фильтр: без пациента возвращаются все видео
	query := fmt.Sprintf(`
		SELECT %s FROM videos
		WHERE ($1::text IS NULL OR patient_id = $1)
		ORDER BY uploaded_at DESC, id
		LIMIT $2 OFFSET $3`, videoColumns)

	rows, err := r.db.Query(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка видео: %w", err)
	}
	defer rows.Close()

	var result []*model.VideoRecord
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования видео: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (r *videoRepo) Count(ctx context.Context, patientID *string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM videos WHERE ($1::text IS NULL OR patient_id = $1)`, patientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта видео: %w", err)
	}
	return count, nil
}

func (r *videoRepo) UpdateWorkflow(ctx context.Context, v *model.VideoRecord) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE videos
		SET state = $2, classification_result = $3, classified_at = $4
		WHERE id = $1`,
		v.ID, v.State, v.ClassificationResult, v.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления видео: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
