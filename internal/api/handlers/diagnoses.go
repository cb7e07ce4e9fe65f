// diagnoses.go — обработчики заключений врача и их истории.
package handlers

import (
	"mime"
	"net/http"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/maoyuanshou/echocardio-system/internal/api/errors"
	"github.com/maoyuanshou/echocardio-system/internal/service"
)

// diagnosisContentRequest — тело создания и правки заключения.
type diagnosisContentRequest struct {
	Content string `json:"content"`
}

// ListDiagnoses — заключения по видео (GET /api/v1/videos/{id}/diagnoses).
// Порядок по времени создания, ?order=asc|desc.
func (h *APIHandler) ListDiagnoses(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var rawOrder *string
	if err := runtime.BindQueryParameter("form", true, false, "order", r.URL.Query(), &rawOrder); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр order")
		return
	}
	order := service.OrderAsc
	if rawOrder != nil {
		var err error
		if order, err = service.ParseOrder(*rawOrder); err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
	}

	list, err := h.orch.ListDiagnoses(r.Context(), user, id, order)
	if err != nil {
		h.writeServiceError(w, r, err, "list_diagnoses")
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse[DiagnosisResponse]{Items: mapSlice(list, diagnosisToResponse)})
}

// CreateDiagnosis — новое заключение врача (POST /api/v1/videos/{id}/diagnoses).
func (h *APIHandler) CreateDiagnosis(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req diagnosisContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.orch.Diagnose(r.Context(), user, id, req.Content)
	if err != nil {
		h.writeServiceError(w, r, err, "diagnose")
		return
	}
	writeJSON(w, http.StatusCreated, diagnosisToResponse(d))
}

// LastDiagnosis — самое свежее заключение (GET /api/v1/videos/{id}/diagnoses/latest).
func (h *APIHandler) LastDiagnosis(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	d, err := h.orch.LastDiagnosis(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "last_diagnosis")
		return
	}
	writeJSON(w, http.StatusOK, diagnosisToResponse(d))
}

// ExportDiagnoses — текстовый файл с заключениями (GET /api/v1/videos/{id}/diagnoses/export).
func (h *APIHandler) ExportDiagnoses(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	exp, err := h.orch.ExportDiagnoses(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "export_diagnoses")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": exp.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(exp.Content))
}

// GetDiagnosis — заключение с историей правок (GET /api/v1/diagnoses/{id}).
func (h *APIHandler) GetDiagnosis(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	dh, err := h.orch.DiagnosisHistory(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "diagnosis_history")
		return
	}
	writeJSON(w, http.StatusOK, DiagnosisWithHistoryResponse{
		Diagnosis: diagnosisToResponse(dh.Diagnosis),
		Revisions: mapSlice(dh.Revisions, revisionToResponse),
	})
}

// ReviseDiagnosis — правка заключения автором (PUT /api/v1/diagnoses/{id}).
// Прежний текст сохраняется в истории.
func (h *APIHandler) ReviseDiagnosis(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req diagnosisContentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.orch.ReviseDiagnosis(r.Context(), user, id, req.Content)
	if err != nil {
		h.writeServiceError(w, r, err, "revise_diagnosis")
		return
	}
	writeJSON(w, http.StatusOK, diagnosisToResponse(d))
}
