// Пакет rbac — политика авторизации действий workflow.
// Роли: patient, doctor, admin. Решение принимается единообразно
// через Policy.Authorize(user, action, resource) и не разбросано по обработчикам.
package rbac

import (
	"context"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
)

// Action — действие, требующее авторизации.
type Action string

const (
	ActionUpload          Action = "video:upload"
	ActionViewVideo       Action = "video:view"
	ActionListAllVideos   Action = "video:list_all"
	ActionClassify        Action = "video:classify"
	ActionDetect          Action = "video:detect"
	ActionDiagnose        Action = "diagnosis:create"
	ActionReviseDiagnosis Action = "diagnosis:revise"
	ActionReadDiagnoses   Action = "diagnosis:read"
	ActionChangeRole      Action = "user:change_role"
	ActionEditUser        Action = "user:edit"
	ActionListUsers       Action = "user:list"
	ActionReadAudit       Action = "audit:read"
)

// Resource — целевой ресурс действия.
// Пустые поля означают, что действие не привязано к конкретному владельцу.
type Resource struct {
	// OwnerID — пациент-владелец видео
	OwnerID string
	// AuthorID — врач-автор заключения
	AuthorID string
}

// Policy — политика авторизации по умолчанию.
// Реализует service.Authorizer.
type Policy struct{}

// NewPolicy создаёт политику авторизации.
func NewPolicy() *Policy {
	return &Policy{}
}

// Authorize возвращает true, если пользователь может выполнить действие над ресурсом.
// Неизвестные действия и роли запрещены.
func (p *Policy) Authorize(_ context.Context, user *model.User, action Action, res Resource) bool {
	if user == nil || !IsValidRole(user.Role) {
		return false
	}

	isOwner := res.OwnerID != "" && res.OwnerID == user.ID

	switch action {
	case ActionUpload:
		return user.Role == model.RolePatient

	case ActionViewVideo, ActionClassify, ActionDetect, ActionReadDiagnoses:
		// Владелец или проверяющий (врач, администратор)
		if user.Role == model.RolePatient {
			return isOwner
		}
		return true

	case ActionListAllVideos:
		return user.Role == model.RoleDoctor || user.Role == model.RoleAdmin

	case ActionDiagnose:
		return user.Role == model.RoleDoctor

	case ActionReviseDiagnosis:
		return user.Role == model.RoleDoctor && res.AuthorID == user.ID

	case ActionChangeRole, ActionEditUser, ActionListUsers, ActionReadAudit:
		return user.Role == model.RoleAdmin

	default:
		return false
	}
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	switch role {
	case model.RolePatient, model.RoleDoctor, model.RoleAdmin:
		return true
	default:
		return false
	}
}

// InitialRole определяет роль нового пользователя при первом входе.
// Subjects из bootstrapAdmins получают admin, остальные — patient.
func InitialRole(subject string, bootstrapAdmins []string) string {
	for _, s := range bootstrapAdmins {
		if s == subject {
			return model.RoleAdmin
		}
	}
	return model.RolePatient
}
