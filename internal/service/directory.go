package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

// Prometheus-метрики кэша имён.
var (
	nameCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ec_user_name_cache_hits_total",
		Help: "Попадания в кэш отображаемых имён пользователей.",
	})
	nameCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ec_user_name_cache_misses_total",
		Help: "Промахи кэша отображаемых имён пользователей.",
	})
	usersProvisionedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ec_users_provisioned_total",
		Help: "Пользователи, созданные при первом входе.",
	}, []string{"role"})
)

// Identity — данные пользователя из проверенного JWT.
type Identity struct {
	Subject  string
	Username string
	Email    string
}

// UserDirectory — справочник пользователей: создание при первом входе
// и кэш отображаемых имён для экспорта заключений.
// Роли не кэшируются: каждая проверка авторизации читает актуальную роль из БД.
type UserDirectory struct {
	uow             repository.UnitOfWork
	bootstrapAdmins []string
	names           *expirable.LRU[string, string]
	logger          *slog.Logger
}

// NewUserDirectory создаёт справочник пользователей.
// cacheSize и cacheTTL — параметры LRU-кэша отображаемых имён.
func NewUserDirectory(
	uow repository.UnitOfWork,
	bootstrapAdmins []string,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *UserDirectory {
	return &UserDirectory{
		uow:             uow,
		bootstrapAdmins: bootstrapAdmins,
		names:           expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		logger:          logger.With(slog.String("component", "user_directory")),
	}
}

// EnsureUser возвращает пользователя по subject, создавая его при первом входе.
// Новый пользователь получает роль patient либо admin, если subject
// указан в EC_BOOTSTRAP_ADMINS.
func (d *UserDirectory) EnsureUser(ctx context.Context, id Identity) (*model.User, error) {
	if id.Subject == "" {
		return nil, fmt.Errorf("%w: пустой subject", ErrValidation)
	}

	store := d.uow.Store()
	u, err := store.Users.GetByID(ctx, id.Subject)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}

	username := id.Username
	if username == "" {
		username = id.Subject
	}
	u = &model.User{
		ID:       id.Subject,
		Username: username,
		Email:    id.Email,
		Role:     rbac.InitialRole(id.Subject, d.bootstrapAdmins),
	}
	if err := store.Users.Create(ctx, u); err != nil {
		// Параллельный первый запрос того же пользователя уже создал запись
		if errors.Is(err, repository.ErrConflict) {
			return store.Users.GetByID(ctx, id.Subject)
		}
		return nil, fmt.Errorf("создание пользователя: %w", err)
	}

	usersProvisionedTotal.WithLabelValues(u.Role).Inc()
	d.logger.Info("Пользователь создан при первом входе",
		slog.String("user_id", u.ID),
		slog.String("username", u.Username),
		slog.String("role", u.Role),
	)
	return u, nil
}

// DisplayName возвращает имя пользователя для отображения.
// Неизвестный пользователь отображается своим ID.
func (d *UserDirectory) DisplayName(ctx context.Context, userID string) string {
	if name, ok := d.names.Get(userID); ok {
		nameCacheHitsTotal.Inc()
		return name
	}
	nameCacheMissesTotal.Inc()

	u, err := d.uow.Store().Users.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			d.logger.Warn("Ошибка получения имени пользователя",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return userID
	}
	d.names.Add(userID, u.Username)
	return u.Username
}

// Invalidate удаляет имя пользователя из кэша после редактирования профиля.
func (d *UserDirectory) Invalidate(userID string) {
	d.names.Remove(userID)
}
