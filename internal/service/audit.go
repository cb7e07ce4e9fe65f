package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

// RoleChangeOutcome — результат смены роли.
// Changed = false означает, что роль уже была такой (SameRole) и аудит не писался.
type RoleChangeOutcome struct {
	User    *model.User
	Record  *model.RoleChangeRecord
	Changed bool
}

// AuditTrail — смена ролей с записью аудита в той же транзакции.
type AuditTrail struct {
	now func() time.Time
}

// NewAuditTrail создаёт журнал смены ролей.
func NewAuditTrail(now func() time.Time) *AuditTrail {
	return &AuditTrail{now: now}
}

// ChangeRole блокирует пользователя и меняет его роль.
// Вызывается внутри транзакции UnitOfWork.
func (a *AuditTrail) ChangeRole(ctx context.Context, s *repository.Store, adminID *string, subjectID, newRole string) (*RoleChangeOutcome, error) {
	if !rbac.IsValidRole(newRole) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, newRole)
	}

	u, err := s.Users.GetForUpdate(ctx, subjectID)
	if err != nil {
		return nil, notFound(err, "пользователь "+subjectID)
	}
	return a.Apply(ctx, s, adminID, u, newRole)
}

// Apply меняет роль уже заблокированного пользователя и сохраняет его.
// Запись аудита добавляется тогда и только тогда, когда роль действительно изменилась.
// При совпадении ролей ничего не пишется.
func (a *AuditTrail) Apply(ctx context.Context, s *repository.Store, adminID *string, u *model.User, newRole string) (*RoleChangeOutcome, error) {
	if !rbac.IsValidRole(newRole) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, newRole)
	}
	if u.Role == newRole {
		return &RoleChangeOutcome{User: u, Changed: false}, nil
	}

	rec := &model.RoleChangeRecord{
		ID:        uuid.New().String(),
		AdminID:   adminID,
		UserID:    u.ID,
		OldRole:   u.Role,
		NewRole:   newRole,
		ChangedAt: a.now(),
	}

	u.Role = newRole
	if err := s.Users.Update(ctx, u); err != nil {
		return nil, notFound(err, "пользователь "+u.ID)
	}
	if err := s.RoleChanges.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("запись аудита роли: %w", err)
	}
	return &RoleChangeOutcome{User: u, Record: rec, Changed: true}, nil
}
