// Пакет model — доменные модели echocardio.
package model

import "time"

// Роли пользователей.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// User — пользователь системы. ID совпадает с subject IdP (sub из JWT).
// Аутентификация внешняя, здесь хранится только авторитетная текущая роль.
type User struct {
	ID        string
	Username  string
	Email     string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VideoRecord — загруженное видео и его состояние в workflow.
type VideoRecord struct {
	// ID — UUID записи
	ID string
	// PatientID — владелец видео
	PatientID string
	// StoragePath — относительный путь файла в filestore
	StoragePath string
	// OriginalFilename — имя файла при загрузке
	OriginalFilename string
	// SizeBytes — размер файла
	SizeBytes int64
	// Checksum — SHA-256 содержимого
	Checksum string
	// State — стадия workflow (uploaded, classified, detected, diagnosed)
	State string
	// ClassificationResult — метка классификатора, nil если классификации не было
	ClassificationResult *string
	// ClassifiedAt — время последней классификации
	ClassifiedAt *time.Time
	// UploadedAt — время загрузки
	UploadedAt time.Time
}

// ClassificationRun — запись истории классификации (политика append).
type ClassificationRun struct {
	ID           string
	VideoID      string
	Label        string
	ClassifiedAt time.Time
}

// Diagnosis — заключение врача по видео.
type Diagnosis struct {
	ID        string
	VideoID   string
	DoctorID  string
	PatientID string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DiagnosisRevision — предыдущая версия текста заключения.
type DiagnosisRevision struct {
	ID          string
	DiagnosisID string
	Content     string
	ModifiedAt  time.Time
}

// RoleChangeRecord — запись аудита смены роли.
// Существует только при OldRole != NewRole.
type RoleChangeRecord struct {
	ID string
	// AdminID — кто сменил роль (nil — системная операция)
	AdminID   *string
	UserID    string
	OldRole   string
	NewRole   string
	ChangedAt time.Time
}
