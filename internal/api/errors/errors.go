// Пакет errors — конструкторы стандартных ошибок API echocardio.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeEmptyContent         = "EMPTY_CONTENT"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeNotFound             = "NOT_FOUND"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeInferenceUnavailable = "INFERENCE_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Коды уведомлений: результат успешен, но требует внимания.
const (
	NoticeDetectionDegraded = "DETECTION_DEGRADED"
	NoticeSameRole          = "SAME_ROLE"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error Detail `json:"error"`
}

// Detail — машиночитаемый код и описание. Используется и для ошибок,
// и для уведомлений (поле notice успешного ответа).
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: Detail{
			Code:    code,
			Message: message,
		},
	})
}

// Notice создаёт уведомление для успешного ответа.
func Notice(code, message string) *Detail {
	return &Detail{Code: code, Message: message}
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// EmptyContent — 400 пустой текст заключения.
func EmptyContent(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeEmptyContent, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// PermissionDenied — 403 политика авторизации запретила действие.
func PermissionDenied(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodePermissionDenied, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// PayloadTooLarge — 413 файл превышает лимит.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// InferenceUnavailable — 503 сервис классификации недоступен, повтор допустим.
func InferenceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeInferenceUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
