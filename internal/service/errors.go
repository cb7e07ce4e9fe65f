// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

var (
	// ErrNotFound — видео, пользователь или заключение не найдены.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrPermissionDenied — политика авторизации запретила действие.
	ErrPermissionDenied = errors.New("действие запрещено")
	// ErrInferenceUnavailable — классификатор недоступен или вернул некорректный ответ.
	ErrInferenceUnavailable = errors.New("сервис классификации недоступен")
	// ErrEmptyContent — пустой текст заключения.
	ErrEmptyContent = errors.New("текст заключения не может быть пустым")
	// ErrInvalidRole — некорректная роль.
	ErrInvalidRole = errors.New("некорректная роль: допустимые значения — patient, doctor, admin")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrTooLarge — загружаемый файл превышает лимит.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
)

// notFound переводит repository.ErrNotFound в ErrNotFound сервиса.
func notFound(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
