// Пакет filestore — хранение исходных видеофайлов на диске.
// Запись идёт потоком с подсчётом SHA-256 на лету и ограничением размера.
// Файлы раскладываются по подкаталогам пациентов: {patient}/{videoID}{ext}.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Ошибки хранилища файлов.
var (
	// ErrNotFound — файл отсутствует на диске.
	ErrNotFound = errors.New("файл не найден")
	// ErrTooLarge — файл превышает допустимый размер.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
	// ErrInvalidPath — путь выходит за пределы каталога хранения.
	ErrInvalidPath = errors.New("недопустимый путь файла")
)

// FileStore — управление видеофайлами на диске.
type FileStore struct {
	// dataDir — корневая директория хранения (EC_VIDEO_DIR)
	dataDir string
	// maxSize — максимальный размер файла в байтах
	maxSize int64
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// StoragePath — относительный путь файла в dataDir
	StoragePath string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 содержимого
	Checksum string
}

// New создаёт FileStore и при необходимости директорию хранения.
func New(dataDir string, maxSize int64) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию видео %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, maxSize: maxSize}, nil
}

// Save записывает видео из reader: temp файл → запись + SHA-256 → fsync → atomic rename.
// При любой ошибке, включая превышение размера, на диске ничего не остаётся.
func (fs *FileStore) Save(reader io.Reader, videoID, patientID, originalFilename string) (*SaveResult, error) {
	storagePath := StorageName(videoID, patientID, originalFilename)
	fullPath := filepath.Join(fs.dataDir, storagePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога пациента: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	// Читаем на байт больше лимита, чтобы отличить «ровно лимит» от превышения
	limited := io.LimitReader(reader, fs.maxSize+1)
	size, err := io.Copy(f, io.TeeReader(limited, hasher))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if size > fs.maxSize {
		cleanup()
		return nil, fmt.Errorf("%w: более %d байт", ErrTooLarge, fs.maxSize)
	}

	if err := f.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoragePath: storagePath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает сохранённый файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", storagePath, err)
	}
	return f, nil
}

// Remove удаляет файл. Отсутствующий файл не является ошибкой.
func (fs *FileStore) Remove(storagePath string) error {
	fullPath, err := fs.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", storagePath, err)
	}
	return nil
}

// DataDir возвращает путь к директории хранения.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// resolve превращает относительный путь в абсолютный внутри dataDir.
func (fs *FileStore) resolve(storagePath string) (string, error) {
	if !filepath.IsLocal(storagePath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, storagePath)
	}
	return filepath.Join(fs.dataDir, storagePath), nil
}

// StorageName формирует относительный путь хранения видео.
// Формат: {patient}/{videoID}{ext}, например p-42/1b4e28ba-2fa1-11d2-883f-0016d3cca427.mp4
func StorageName(videoID, patientID, originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	ext = "." + sanitize(strings.TrimPrefix(ext, "."), "")
	if ext == "." || len(ext) > 10 {
		ext = ""
	}

	patient := sanitize(patientID, "patient")
	if len(patient) > 64 {
		patient = patient[:64]
	}

	return filepath.Join(patient, sanitize(videoID, "video")+ext)
}

// sanitize оставляет только латинские буквы, цифры, дефис и подчёркивание.
func sanitize(s, fallback string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return fallback
	}
	return result.String()
}
