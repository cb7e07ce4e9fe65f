package repository

import (
	"context"
	"fmt"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// ClassificationRepository — история запусков классификации (политика append).
type ClassificationRepository interface {
	// Append добавляет запись о запуске классификации.
	Append(ctx context.Context, run *model.ClassificationRun) error
	// ListByVideo возвращает запуски классификации видео в хронологическом порядке.
	ListByVideo(ctx context.Context, videoID string) ([]*model.ClassificationRun, error)
}

type classificationRepo struct {
	db DBTX
}

// NewClassificationRepository создаёт репозиторий истории классификаций.
func NewClassificationRepository(db DBTX) ClassificationRepository {
	return &classificationRepo{db: db}
}

func (r *classificationRepo) Append(ctx context.Context, run *model.ClassificationRun) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO classification_history (id, video_id, label, classified_at)
		VALUES ($1, $2, $3, $4)
		RETURNING classified_at`,
		run.ID, run.VideoID, run.Label, run.ClassifiedAt,
	).Scan(&run.ClassifiedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: видео %s", ErrNotFound, run.VideoID)
		}
		return fmt.Errorf("ошибка записи истории классификации: %w", err)
	}
	return nil
}

func (r *classificationRepo) ListByVideo(ctx context.Context, videoID string) ([]*model.ClassificationRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, video_id, label, classified_at
		FROM classification_history
		WHERE video_id = $1
		ORDER BY classified_at, id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории классификации: %w", err)
	}
	defer rows.Close()

	var result []*model.ClassificationRun
	for rows.Next() {
		run := &model.ClassificationRun{}
		if err := rows.Scan(&run.ID, &run.VideoID, &run.Label, &run.ClassifiedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования классификации: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
