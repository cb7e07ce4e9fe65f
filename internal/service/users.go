package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

// UserUpdate — изменяемые поля пользователя. nil — поле не меняется.
type UserUpdate struct {
	Username *string
	Email    *string
	Role     *string
}

// ChangeRole меняет роль пользователя администратором.
// Совпадающая роль — не ошибка: возвращается Changed = false, аудит не пишется.
func (o *Orchestrator) ChangeRole(ctx context.Context, admin *model.User, subjectID, newRole string) (*RoleChangeOutcome, error) {
	if err := o.authorize(ctx, admin, rbac.ActionChangeRole, rbac.Resource{}); err != nil {
		return nil, err
	}
	if !rbac.IsValidRole(newRole) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, newRole)
	}

	adminID := admin.ID
	var out *RoleChangeOutcome
	err := o.uow.InTx(ctx, func(s *repository.Store) error {
		var err error
		out, err = o.audit.ChangeRole(ctx, s, &adminID, subjectID, newRole)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logRoleChange(admin, out)
	return out, nil
}

// UpdateUser меняет имя, email и роль пользователя одной транзакцией.
// Смена роли пишет запись аудита только при фактическом изменении.
func (o *Orchestrator) UpdateUser(ctx context.Context, admin *model.User, subjectID string, upd UserUpdate) (*RoleChangeOutcome, error) {
	if err := o.authorize(ctx, admin, rbac.ActionEditUser, rbac.Resource{}); err != nil {
		return nil, err
	}
	if err := validateUserUpdate(&upd); err != nil {
		return nil, err
	}

	adminID := admin.ID
	var out *RoleChangeOutcome
	err := o.uow.InTx(ctx, func(s *repository.Store) error {
		u, err := s.Users.GetForUpdate(ctx, subjectID)
		if err != nil {
			return notFound(err, "пользователь "+subjectID)
		}
		if upd.Username != nil {
			u.Username = *upd.Username
		}
		if upd.Email != nil {
			u.Email = *upd.Email
		}

		if upd.Role != nil {
			out, err = o.audit.Apply(ctx, s, &adminID, u, *upd.Role)
			if err != nil {
				return err
			}
			if out.Changed {
				return nil
			}
		} else {
			out = &RoleChangeOutcome{User: u}
		}
		// Роль не изменилась — сохраняем только профиль
		return s.Users.Update(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	o.directory.Invalidate(subjectID)
	o.logRoleChange(admin, out)
	return out, nil
}

// ListRoleChanges возвращает аудит смены ролей (новые первыми).
// userID != nil — только по одному пользователю.
func (o *Orchestrator) ListRoleChanges(ctx context.Context, admin *model.User, userID *string, limit, offset int) ([]*model.RoleChangeRecord, int, error) {
	if err := o.authorize(ctx, admin, rbac.ActionReadAudit, rbac.Resource{}); err != nil {
		return nil, 0, err
	}

	store := o.uow.Store()
	recs, err := store.RoleChanges.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := store.RoleChanges.Count(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListUsers возвращает пользователей (новые первыми).
func (o *Orchestrator) ListUsers(ctx context.Context, admin *model.User, limit, offset int) ([]*model.User, int, error) {
	if err := o.authorize(ctx, admin, rbac.ActionListUsers, rbac.Resource{}); err != nil {
		return nil, 0, err
	}

	store := o.uow.Store()
	users, err := store.Users.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := store.Users.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// logRoleChange пишет в лог результат смены роли после коммита.
func (o *Orchestrator) logRoleChange(admin *model.User, out *RoleChangeOutcome) {
	if out.Changed {
		o.logger.Info("Роль пользователя изменена",
			slog.String("user_id", out.User.ID),
			slog.String("old_role", out.Record.OldRole),
			slog.String("new_role", out.Record.NewRole),
			slog.String("admin_id", admin.ID),
		)
		return
	}
	o.logger.Debug("Роль не изменилась",
		slog.String("user_id", out.User.ID),
		slog.String("role", out.User.Role),
	)
}

// validateUserUpdate нормализует и проверяет поля редактирования.
func validateUserUpdate(upd *UserUpdate) error {
	if upd.Username == nil && upd.Email == nil && upd.Role == nil {
		return fmt.Errorf("%w: нет изменяемых полей", ErrValidation)
	}
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" || len(name) > 150 {
			return fmt.Errorf("%w: имя пользователя должно содержать от 1 до 150 символов", ErrValidation)
		}
		upd.Username = &name
	}
	if upd.Email != nil {
		email := strings.TrimSpace(*upd.Email)
		if email != "" {
			if _, err := mail.ParseAddress(email); err != nil {
				return fmt.Errorf("%w: некорректный email %q", ErrValidation, email)
			}
		}
		upd.Email = &email
	}
	if upd.Role != nil && !rbac.IsValidRole(*upd.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, *upd.Role)
	}
	return nil
}
