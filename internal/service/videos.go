package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/domain/workflow"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
	"github.com/maoyuanshou/echocardio-system/internal/storage/filestore"
)

// VideoDetails — видео вместе с последней детекцией и историей классификаций.
type VideoDetails struct {
	Video           *model.VideoRecord
	LatestDetection *model.MIDetection
	Classifications []*model.ClassificationRun
}

// Upload сохраняет видео пациента на диск и регистрирует его в стадии uploaded.
// Если запись в БД не удалась, файл удаляется.
func (o *Orchestrator) Upload(ctx context.Context, user *model.User, filename string, r io.Reader) (*model.VideoRecord, error) {
	if err := o.authorize(ctx, user, rbac.ActionUpload, rbac.Resource{OwnerID: userID(user)}); err != nil {
		return nil, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: имя файла не задано", ErrValidation)
	}

	videoID := uuid.New().String()
	saved, err := o.files.Save(r, videoID, user.ID, filename)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return nil, fmt.Errorf("сохранение файла: %w", err)
	}

	v := &model.VideoRecord{
		ID:               videoID,
		PatientID:        user.ID,
		StoragePath:      saved.StoragePath,
		OriginalFilename: filename,
		SizeBytes:        saved.Size,
		Checksum:         saved.Checksum,
		State:            string(workflow.StateUploaded),
	}

	wctx, cancel := o.detached(ctx)
	defer cancel()

	if err := o.uow.Store().Videos.Create(wctx, v); err != nil {
		if rmErr := o.files.Remove(saved.StoragePath); rmErr != nil {
			o.logger.Error("Не удалось удалить файл после ошибки регистрации",
				slog.String("storage_path", saved.StoragePath),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, fmt.Errorf("регистрация видео: %w", err)
	}

	o.logger.Info("Видео загружено",
		slog.String("video_id", v.ID),
		slog.String("patient_id", v.PatientID),
		slog.Int64("size", v.SizeBytes),
	)
	return v, nil
}

// GetVideo возвращает видео с результатами обработки.
func (o *Orchestrator) GetVideo(ctx context.Context, user *model.User, videoID string) (*VideoDetails, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionViewVideo, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, err
	}

	store := o.uow.Store()
	details := &VideoDetails{Video: v}

	latest, err := store.Detections.Latest(ctx, videoID)
	switch {
	case err == nil:
		details.LatestDetection = latest
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	details.Classifications, err = store.Classifications.ListByVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return details, nil
}

// ListVideos возвращает видео, доступные пользователю: врачам и администраторам
// все видео, пациенту только свои. Новые первыми.
func (o *Orchestrator) ListVideos(ctx context.Context, user *model.User, limit, offset int) ([]*model.VideoRecord, int, error) {
	if user == nil {
		return nil, 0, fmt.Errorf("%w: пользователь не определён", ErrPermissionDenied)
	}

	var patientID *string
	if !o.authz.Authorize(ctx, user, rbac.ActionListAllVideos, rbac.Resource{}) {
		if err := o.authorize(ctx, user, rbac.ActionViewVideo, rbac.Resource{OwnerID: user.ID}); err != nil {
			return nil, 0, err
		}
		patientID = &user.ID
	}

	store := o.uow.Store()
	videos, err := store.Videos.List(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := store.Videos.Count(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	return videos, total, nil
}

// OpenVideo открывает файл видео для скачивания. Вызывающий код закрывает файл.
func (o *Orchestrator) OpenVideo(ctx context.Context, user *model.User, videoID string) (*model.VideoRecord, *os.File, error) {
	v, err := o.loadVideo(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.authorize(ctx, user, rbac.ActionViewVideo, rbac.Resource{OwnerID: v.PatientID}); err != nil {
		return nil, nil, err
	}

	f, err := o.files.Open(v.StoragePath)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			o.logger.Error("Файл видео отсутствует на диске",
				slog.String("video_id", v.ID),
				slog.String("storage_path", v.StoragePath),
			)
			return nil, nil, fmt.Errorf("%w: файл видео %s", ErrNotFound, v.ID)
		}
		return nil, nil, err
	}
	return v, f, nil
}

// userID возвращает ID пользователя или пустую строку.
func userID(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
