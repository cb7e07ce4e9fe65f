package repository

import (
	"context"
	"fmt"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// RoleChangeRepository — аудит смены ролей (только добавление).
type RoleChangeRepository interface {
	// Append сохраняет запись о смене роли.
	Append(ctx context.Context, rec *model.RoleChangeRecord) error
	// List возвращает записи (новые первыми). userID != nil — только по пользователю.
	List(ctx context.Context, userID *string, limit, offset int) ([]*model.RoleChangeRecord, error)
	// Count возвращает количество записей с тем же фильтром.
	Count(ctx context.Context, userID *string) (int, error)
}

type roleChangeRepo struct {
	db DBTX
}

// NewRoleChangeRepository создаёт репозиторий аудита ролей.
func NewRoleChangeRepository(db DBTX) RoleChangeRepository {
	return &roleChangeRepo{db: db}
}

func (r *roleChangeRepo) Append(ctx context.Context, rec *model.RoleChangeRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO role_changes (id, admin_id, user_id, old_role, new_role, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.AdminID, rec.UserID, rec.OldRole, rec.NewRole, rec.ChangedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: пользователь %s", ErrNotFound, rec.UserID)
		}
		return fmt.Errorf("ошибка записи аудита роли: %w", err)
	}
	return nil
}

func (r *roleChangeRepo) List(ctx context.Context, userID *string, limit, offset int) ([]*model.RoleChangeRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, admin_id, user_id, old_role, new_role, changed_at
		FROM role_changes
		WHERE ($1::text IS NULL OR user_id = $1)
		ORDER BY changed_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения аудита ролей: %w", err)
	}
	defer rows.Close()

	var result []*model.RoleChangeRecord
	for rows.Next() {
		rec := &model.RoleChangeRecord{}
		if err := rows.Scan(&rec.ID, &rec.AdminID, &rec.UserID, &rec.OldRole, &rec.NewRole, &rec.ChangedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования аудита ролей: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *roleChangeRepo) Count(ctx context.Context, userID *string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_changes WHERE ($1::text IS NULL OR user_id = $1)`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта аудита ролей: %w", err)
	}
	return count, nil
}
