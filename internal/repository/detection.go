package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// DetectionRepository — результаты ансамбля скрининга ИМ.
// Записи неизменяемы: повторный запуск создаёт новую запись
// либо (политика overwrite) удаляет прежние в той же транзакции.
type DetectionRepository interface {
	// Create сохраняет результат запуска ансамбля.
	Create(ctx context.Context, d *model.MIDetection) error
	// DeleteByVideo удаляет все результаты видео, возвращает число удалённых.
	DeleteByVideo(ctx context.Context, videoID string) (int64, error)
	// ListByVideo возвращает результаты видео (новые первыми).
	ListByVideo(ctx context.Context, videoID string) ([]*model.MIDetection, error)
	// Latest возвращает последний результат видео.
	Latest(ctx context.Context, videoID string) (*model.MIDetection, error)
}

type detectionRepo struct {
	db DBTX
}

// NewDetectionRepository создаёт репозиторий результатов детекции.
func NewDetectionRepository(db DBTX) DetectionRepository {
	return &detectionRepo{db: db}
}

const detectionColumns = `id, video_id, requested_by, model1_result, model2_result,
	final_result, degraded, detected_at`

func scanDetection(row pgx.Row) (*model.MIDetection, error) {
	d := &model.MIDetection{}
	var m1, m2, final string
	err := row.Scan(&d.ID, &d.VideoID, &d.RequestedBy, &m1, &m2, &final, &d.Degraded, &d.DetectedAt)
	if err != nil {
		return nil, err
	}
	d.Model1 = model.MIResult(m1)
	d.Model2 = model.MIResult(m2)
	d.Final = model.MIResult(final)
	return d, nil
}

func (r *detectionRepo) Create(ctx context.Context, d *model.MIDetection) error {
	query := `
		INSERT INTO mi_detections (id, video_id, requested_by, model1_result, model2_result,
			final_result, degraded, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		d.ID, d.VideoID, d.RequestedBy,
		string(d.Model1), string(d.Model2), string(d.Final), d.Degraded, d.DetectedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: видео %s", ErrNotFound, d.VideoID)
		}
		return fmt.Errorf("ошибка сохранения результата детекции: %w", err)
	}
	return nil
}

func (r *detectionRepo) DeleteByVideo(ctx context.Context, videoID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mi_detections WHERE video_id = $1`, videoID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления результатов детекции: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *detectionRepo) ListByVideo(ctx context.Context, videoID string) ([]*model.MIDetection, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mi_detections
		WHERE video_id = $1
		ORDER BY detected_at DESC, id`, detectionColumns)

	rows, err := r.db.Query(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения результатов детекции: %w", err)
	}
	defer rows.Close()

	var result []*model.MIDetection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования результата детекции: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *detectionRepo) Latest(ctx context.Context, videoID string) (*model.MIDetection, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mi_detections
		WHERE video_id = $1
		ORDER BY detected_at DESC, id
		LIMIT 1`, detectionColumns)

	d, err := scanDetection(r.db.QueryRow(ctx, query, videoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения результата детекции: %w", err)
	}
	return d, nil
}
