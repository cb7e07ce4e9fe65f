// types.go — DTO ответов API и преобразование доменных моделей.
// JSON-поля соответствуют схемам openapi.yaml.
package handlers

import (
	"time"

	apierrors "github.com/maoyuanshou/echocardio-system/internal/api/errors"
	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/service"
)

// UserResponse — пользователь.
type UserResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Role      string     `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// VideoResponse — видеозапись.
type VideoResponse struct {
	ID                   string     `json:"id"`
	PatientID            string     `json:"patient_id"`
	OriginalFilename     string     `json:"original_filename"`
	SizeBytes            int64      `json:"size_bytes"`
	Checksum             string     `json:"checksum"`
	State                string     `json:"state"`
	ClassificationResult *string    `json:"classification_result,omitempty"`
	ClassifiedAt         *time.Time `json:"classified_at,omitempty"`
	UploadedAt           time.Time  `json:"uploaded_at"`
}

// ClassificationRunResponse — запись истории классификаций.
type ClassificationRunResponse struct {
	Label        string    `json:"label"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// VideoDetailsResponse — видео с последней детекцией и историей классификаций.
type VideoDetailsResponse struct {
	Video           VideoResponse               `json:"video"`
	LatestDetection *DetectionResponse          `json:"latest_detection,omitempty"`
	Classifications []ClassificationRunResponse `json:"classifications"`
}

// ClassifyResponse — результат классификации.
type ClassifyResponse struct {
	Label string        `json:"label"`
	Video VideoResponse `json:"video"`
}

// DetectionResponse — результат ансамбля детекции ИМ.
type DetectionResponse struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"video_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Model1      string    `json:"model1_result"`
	Model2      string    `json:"model2_result"`
	Final       string    `json:"final_result"`
	Degraded    bool      `json:"degraded"`
	DetectedAt  time.Time `json:"detected_at"`
}

// DetectResponse — ответ на запуск детекции.
type DetectResponse struct {
	Detection DetectionResponse `json:"detection"`
	Video     VideoResponse     `json:"video"`
	Notice    *apierrors.Detail `json:"notice,omitempty"`
}

// DiagnosisResponse — заключение врача.
type DiagnosisResponse struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"video_id"`
	DoctorID  string    `json:"doctor_id"`
	PatientID string    `json:"patient_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DiagnosisRevisionResponse — прежняя версия текста заключения.
type DiagnosisRevisionResponse struct {
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
}

// DiagnosisWithHistoryResponse — заключение и история правок.
type DiagnosisWithHistoryResponse struct {
	Diagnosis DiagnosisResponse           `json:"diagnosis"`
	Revisions []DiagnosisRevisionResponse `json:"revisions"`
}

// RoleChangeResponse — запись аудита смены роли.
type RoleChangeResponse struct {
	ID        string    `json:"id"`
	AdminID   *string   `json:"admin_id,omitempty"`
	UserID    string    `json:"user_id"`
	OldRole   string    `json:"old_role"`
	NewRole   string    `json:"new_role"`
	ChangedAt time.Time `json:"changed_at"`
}

// RoleChangeOutcomeResponse — результат смены роли или обновления пользователя.
type RoleChangeOutcomeResponse struct {
	User    UserResponse        `json:"user"`
	Changed bool                `json:"changed"`
	Record  *RoleChangeResponse `json:"record,omitempty"`
	Notice  *apierrors.Detail   `json:"notice,omitempty"`
}

// ItemsResponse — список без пагинации.
type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

// PageResponse — страница списка.
type PageResponse[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func newPage[T any](items []T, total, limit, offset int) PageResponse[T] {
	return PageResponse[T]{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
}

// mapSlice преобразует срез доменных моделей в срез DTO.
func mapSlice[S any, D any](src []S, f func(S) D) []D {
	out := make([]D, 0, len(src))
	for _, s := range src {
		out = append(out, f(s))
	}
	return out
}

// --- Преобразование моделей ---

func userToResponse(u *model.User) UserResponse {
	resp := UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
	if !u.UpdatedAt.IsZero() {
		t := u.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

func videoToResponse(v *model.VideoRecord) VideoResponse {
	return VideoResponse{
		ID:                   v.ID,
		PatientID:            v.PatientID,
		OriginalFilename:     v.OriginalFilename,
		SizeBytes:            v.SizeBytes,
		Checksum:             v.Checksum,
		State:                v.State,
		ClassificationResult: v.ClassificationResult,
		ClassifiedAt:         v.ClassifiedAt,
		UploadedAt:           v.UploadedAt,
	}
}

func classificationToResponse(c *model.ClassificationRun) ClassificationRunResponse {
	return ClassificationRunResponse{Label: c.Label, ClassifiedAt: c.ClassifiedAt}
}

func detectionToResponse(d *model.MIDetection) DetectionResponse {
	return DetectionResponse{
		ID:          d.ID,
		VideoID:     d.VideoID,
		RequestedBy: d.RequestedBy,
		Model1:      string(d.Model1),
		Model2:      string(d.Model2),
		Final:       string(d.Final),
		Degraded:    d.Degraded,
		DetectedAt:  d.DetectedAt,
	}
}

func detailsToResponse(d *service.VideoDetails) VideoDetailsResponse {
	resp := VideoDetailsResponse{
		Video:           videoToResponse(d.Video),
		Classifications: mapSlice(d.Classifications, classificationToResponse),
	}
	if d.LatestDetection != nil {
		det := detectionToResponse(d.LatestDetection)
		resp.LatestDetection = &det
	}
	return resp
}

func diagnosisToResponse(d *model.Diagnosis) DiagnosisResponse {
	return DiagnosisResponse{
		ID:        d.ID,
		VideoID:   d.VideoID,
		DoctorID:  d.DoctorID,
		PatientID: d.PatientID,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func revisionToResponse(r *model.DiagnosisRevision) DiagnosisRevisionResponse {
	return DiagnosisRevisionResponse{Content: r.Content, ModifiedAt: r.ModifiedAt}
}

func roleChangeToResponse(r *model.RoleChangeRecord) RoleChangeResponse {
	return RoleChangeResponse{
		ID:        r.ID,
		AdminID:   r.AdminID,
		UserID:    r.UserID,
		OldRole:   r.OldRole,
		NewRole:   r.NewRole,
		ChangedAt: r.ChangedAt,
	}
}

func outcomeToResponse(out *service.RoleChangeOutcome) RoleChangeOutcomeResponse {
	resp := RoleChangeOutcomeResponse{
		User:    userToResponse(out.User),
		Changed: out.Changed,
	}
	if out.Record != nil {
		rec := roleChangeToResponse(out.Record)
		resp.Record = &rec
	}
	return resp
}
