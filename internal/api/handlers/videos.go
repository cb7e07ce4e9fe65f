// videos.go — обработчики видеозаписей: загрузка, просмотр, классификация, детекция ИМ.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	apierrors "github.com/maoyuanshou/echocardio-system/internal/api/errors"
)

// uploadField — имя поля multipart с файлом видео.
const uploadField = "video"

// multipartOverhead — запас на заголовки multipart сверх размера файла.
const multipartOverhead = 1 << 20

// UploadVideo — загрузка видео пациентом (POST /api/v1/videos).
// Файл читается потоком из multipart без буферизации в памяти.
func (h *APIHandler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			apierrors.ValidationError(w, fmt.Sprintf("Поле %q с файлом обязательно", uploadField))
			return
		}
		if err != nil {
			if isBodyTooLarge(err) {
				apierrors.PayloadTooLarge(w, "Размер запроса превышает лимит")
				return
			}
			apierrors.ValidationError(w, "Некорректное тело multipart: "+err.Error())
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		v, err := h.orch.Upload(r.Context(), user, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			if isBodyTooLarge(err) {
				apierrors.PayloadTooLarge(w, "Размер запроса превышает лимит")
				return
			}
			h.writeServiceError(w, r, err, "upload")
			return
		}
		writeJSON(w, http.StatusCreated, videoToResponse(v))
		return
	}
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// ListVideos — список видео (GET /api/v1/videos).
// Пациент видит только свои записи.
func (h *APIHandler) ListVideos(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	videos, total, err := h.orch.ListVideos(r.Context(), user, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "list_videos")
		return
	}
	writeJSON(w, http.StatusOK, newPage(mapSlice(videos, videoToResponse), total, limit, offset))
}

// GetVideo — видео с последней детекцией (GET /api/v1/videos/{id}).
func (h *APIHandler) GetVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	details, err := h.orch.GetVideo(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "get_video")
		return
	}
	writeJSON(w, http.StatusOK, detailsToResponse(details))
}

// DownloadVideo — содержимое видео (GET /api/v1/videos/{id}/content).
// Поддерживает Range-запросы.
func (h *APIHandler) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	v, f, err := h.orch.OpenVideo(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "download_video")
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(v.OriginalFilename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": v.OriginalFilename}))
	w.Header().Set("X-Checksum-SHA256", v.Checksum)
	http.ServeContent(w, r, v.OriginalFilename, v.UploadedAt, f)
}

// ClassifyVideo — классификация видео (POST /api/v1/videos/{id}/classify).
func (h *APIHandler) ClassifyVideo(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	out, err := h.orch.Classify(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "classify")
		return
	}
	writeJSON(w, http.StatusOK, ClassifyResponse{
		Label: out.Label,
		Video: videoToResponse(out.Video),
	})
}

// DetectMI — детекция инфаркта миокарда ансамблем (POST /api/v1/videos/{id}/detect).
// Недоступность моделей не является ошибкой: результат помечается notice.
func (h *APIHandler) DetectMI(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	out, err := h.orch.Detect(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "detect")
		return
	}

	resp := DetectResponse{
		Detection: detectionToResponse(out.Detection),
		Video:     videoToResponse(out.Video),
	}
	switch {
	case out.Detection.Blind():
		resp.Notice = apierrors.Notice(apierrors.NoticeDetectionDegraded,
			"Обе модели недоступны: результат Normal получен без данных моделей")
	case out.Detection.Degraded:
		resp.Notice = apierrors.Notice(apierrors.NoticeDetectionDegraded,
			"Одна из моделей недоступна: результат получен по неполным данным")
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDetections — история детекций (GET /api/v1/videos/{id}/detections).
func (h *APIHandler) ListDetections(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	dets, err := h.orch.ListDetections(r.Context(), user, id)
	if err != nil {
		h.writeServiceError(w, r, err, "list_detections")
		return
	}
	writeJSON(w, http.StatusOK, ItemsResponse[DetectionResponse]{Items: mapSlice(dets, detectionToResponse)})
}
