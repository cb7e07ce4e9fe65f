// handler.go — основной обработчик API echocardio.
// Регистрирует маршруты chi и делегирует запросы в Orchestrator.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/maoyuanshou/echocardio-system/internal/api/errors"
	"github.com/maoyuanshou/echocardio-system/internal/api/middleware"
	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/service"
)

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	orch   *service.Orchestrator
	// maxUpload — лимит тела запроса загрузки
	maxUpload int64
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// maxUpload — максимальный размер загружаемого видео в байтах.
func NewAPIHandler(health *HealthHandler, orch *service.Orchestrator, maxUpload int64, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:    health,
		orch:      orch,
		maxUpload: maxUpload,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// HandlerFromMux регистрирует все маршруты API на router.
func HandlerFromMux(h *APIHandler, r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)
	r.Get("/api/openapi.yaml", h.health.GetOpenAPI)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/me", h.GetMe)

		r.Get("/videos", h.ListVideos)
		r.Post("/videos", h.UploadVideo)
		r.Get("/videos/{id}", h.GetVideo)
		r.Get("/videos/{id}/content", h.DownloadVideo)
		r.Post("/videos/{id}/classify", h.ClassifyVideo)
		r.Post("/videos/{id}/detect", h.DetectMI)
		r.Get("/videos/{id}/detections", h.ListDetections)

		r.Get("/videos/{id}/diagnoses", h.ListDiagnoses)
		r.Post("/videos/{id}/diagnoses", h.CreateDiagnosis)
		r.Get("/videos/{id}/diagnoses/latest", h.LastDiagnosis)
		r.Get("/videos/{id}/diagnoses/export", h.ExportDiagnoses)
		r.Get("/diagnoses/{id}", h.GetDiagnosis)
		r.Put("/diagnoses/{id}", h.ReviseDiagnosis)

		r.Get("/users", h.ListUsers)
		r.Patch("/users/{id}", h.UpdateUser)
		r.Put("/users/{id}/role", h.ChangeRole)
		r.Get("/role-changes", h.ListRoleChanges)
	})
}

// currentUser возвращает пользователя запроса или пишет 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return nil, false
	}
	return u, true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		apierrors.PermissionDenied(w, "Действие запрещено для текущей роли")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrEmptyContent):
		apierrors.EmptyContent(w, err.Error())
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrTooLarge):
		apierrors.PayloadTooLarge(w, err.Error())
	case errors.Is(err, service.ErrInferenceUnavailable):
		apierrors.InferenceUnavailable(w, "Сервис классификации недоступен, повторите запрос позже")
	case errors.Is(err, context.Canceled):
		h.logger.Info("Запрос прерван клиентом", slog.String("op", op))
		apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeInternalError, "Запрос прерван")
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("op", op),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервиса")
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса или пишет 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// uuidParam извлекает UUID из параметра пути или пишет 400.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": ожидается UUID")
		return "", false
	}
	return id.String(), true
}

// stringParam извлекает строковый параметр пути или пишет 400.
func stringParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name)
		return "", false
	}
	return v, true
}

// pagination разбирает limit и offset из query или пишет 400.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	var l, o *int
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &l); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit")
		return 0, 0, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &o); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset")
		return 0, 0, false
	}
	limit, offset = paginationDefaults(l, o)
	return limit, offset, true
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}
