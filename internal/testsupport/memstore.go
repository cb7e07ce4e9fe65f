package testsupport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/repository"
)

// MemStore — in-memory реализация repository.UnitOfWork для тестов сервисов
// и обработчиков. Транзакция работает с копией данных и публикует её целиком
// при успехе, поэтому читатели не видят промежуточных состояний.
// Все записи (в транзакции и вне её) сериализуются.
type MemStore struct {
	// txMu сериализует пишущие операции и транзакции
	txMu sync.Mutex
	// mu защищает data при публикации транзакции
	mu   sync.RWMutex
	data *memData
	base *repository.Store

	failMu sync.Mutex
	fail   map[string]error
}

// NewMemStore создаёт пустое хранилище.
func NewMemStore() *MemStore {
	m := &MemStore{data: newMemData(), fail: map[string]error{}}
	m.base = newMemRepos(&baseBackend{m: m}, m)
	return m
}

// Store возвращает репозитории вне транзакции.
func (m *MemStore) Store() *repository.Store {
	return m.base
}

// InTx выполняет fn над копией данных. При ошибке копия отбрасывается.
func (m *MemStore) InTx(ctx context.Context, fn func(s *repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	work := m.data.clone()
	m.mu.RUnlock()

	if err := fn(newMemRepos(&txBackend{data: work}, m)); err != nil {
		return err
	}

	m.mu.Lock()
	m.data = work
	m.mu.Unlock()
	return nil
}

// FailOn заставляет операцию op (например "RoleChanges.Append") вернуть err.
// nil снимает ошибку.
func (m *MemStore) FailOn(op string, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *MemStore) injected(op string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.fail[op]
}

// --- Состояние ---

type memData struct {
	seq             int64
	users           map[string]userRow
	videos          map[string]videoRow
	classifications []classificationRow
	detections      []detectionRow
	diagnoses       map[string]diagnosisRow
	revisions       []revisionRow
	roleChanges     []roleChangeRow
}

type (
	userRow           struct{ model.User; seq int64 }
	videoRow          struct{ model.VideoRecord; seq int64 }
	classificationRow struct{ model.ClassificationRun; seq int64 }
	detectionRow      struct{ model.MIDetection; seq int64 }
	diagnosisRow      struct{ model.Diagnosis; seq int64 }
	revisionRow       struct{ model.DiagnosisRevision; seq int64 }
	roleChangeRow     struct{ model.RoleChangeRecord; seq int64 }
)

func newMemData() *memData {
	return &memData{
		users:     map[string]userRow{},
		videos:    map[string]videoRow{},
		diagnoses: map[string]diagnosisRow{},
	}
}

func (d *memData) next() int64 {
	d.seq++
	return d.seq
}

// clone делает глубокую копию состояния. Строки хранятся по значению,
// указатели внутри моделей копируются отдельно.
func (d *memData) clone() *memData {
	c := &memData{
		seq:             d.seq,
		users:           make(map[string]userRow, len(d.users)),
		videos:          make(map[string]videoRow, len(d.videos)),
		diagnoses:       make(map[string]diagnosisRow, len(d.diagnoses)),
		classifications: append([]classificationRow(nil), d.classifications...),
		detections:      append([]detectionRow(nil), d.detections...),
		revisions:       append([]revisionRow(nil), d.revisions...),
		roleChanges:     make([]roleChangeRow, len(d.roleChanges)),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.videos {
		v.VideoRecord = copyVideo(v.VideoRecord)
		c.videos[k] = v
	}
	for k, v := range d.diagnoses {
		c.diagnoses[k] = v
	}
	for i, r := range d.roleChanges {
		r.AdminID = copyStr(r.AdminID)
		c.roleChanges[i] = r
	}
	return c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyVideo(v model.VideoRecord) model.VideoRecord {
	v.ClassificationResult = copyStr(v.ClassificationResult)
	if v.ClassifiedAt != nil {
		t := *v.ClassifiedAt
		v.ClassifiedAt = &t
	}
	return v
}

// --- Доступ к состоянию ---

type backend interface {
	read(fn func(d *memData))
	write(fn func(d *memData) error) error
}

// baseBackend — операции вне транзакции.
type baseBackend struct {
	m *MemStore
}

func (b *baseBackend) read(fn func(d *memData)) {
	b.m.mu.RLock()
	defer b.m.mu.RUnlock()
	fn(b.m.data)
}

func (b *baseBackend) write(fn func(d *memData) error) error {
	b.m.txMu.Lock()
	defer b.m.txMu.Unlock()

	b.m.mu.RLock()
	work := b.m.data.clone()
	b.m.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}

	b.m.mu.Lock()
	b.m.data = work
	b.m.mu.Unlock()
	return nil
}

// txBackend — операции внутри транзакции над рабочей копией.
type txBackend struct {
	data *memData
}

func (b *txBackend) read(fn func(d *memData))               { fn(b.data) }
func (b *txBackend) write(fn func(d *memData) error) error { return fn(b.data) }

// repos — общая часть in-memory репозиториев.
type repos struct {
	b backend
	m *MemStore
}

func newMemRepos(b backend, m *MemStore) *repository.Store {
	r := &repos{b: b, m: m}
	return &repository.Store{
		Users:           &memUsers{r},
		Videos:          &memVideos{r},
		Classifications: &memClassifications{r},
		Detections:      &memDetections{r},
		Diagnoses:       &memDiagnoses{r},
		RoleChanges:     &memRoleChanges{r},
	}
}

func (r *repos) write(op string, fn func(d *memData) error) error {
	if err := r.m.injected(op); err != nil {
		return err
	}
	return r.b.write(fn)
}

func (r *repos) read(op string, fn func(d *memData)) error {
	if err := r.m.injected(op); err != nil {
		return err
	}
	r.b.read(fn)
	return nil
}

// page применяет LIMIT/OFFSET.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// --- Пользователи ---

type memUsers struct{ *repos }

func (r *memUsers) Create(ctx context.Context, u *model.User) error {
	return r.write("Users.Create", func(d *memData) error {
		if _, ok := d.users[u.ID]; ok {
			return fmt.Errorf("%w: пользователь %s уже существует", repository.ErrConflict, u.ID)
		}
		now := time.Now().UTC()
		u.CreatedAt, u.UpdatedAt = now, now
		d.users[u.ID] = userRow{User: *u, seq: d.next()}
		return nil
	})
}

func (r *memUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.get("Users.GetByID", id)
}

func (r *memUsers) GetForUpdate(ctx context.Context, id string) (*model.User, error) {
	return r.get("Users.GetForUpdate", id)
}

func (r *memUsers) get(op, id string) (*model.User, error) {
	var (
		u  model.User
		ok bool
	)
	if err := r.read(op, func(d *memData) {
		var row userRow
		row, ok = d.users[id]
		u = row.User
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *memUsers) Update(ctx context.Context, u *model.User) error {
	return r.write("Users.Update", func(d *memData) error {
		row, ok := d.users[u.ID]
		if !ok {
			return repository.ErrNotFound
		}
		u.UpdatedAt = time.Now().UTC()
		u.CreatedAt = row.CreatedAt
		row.User = *u
		d.users[u.ID] = row
		return nil
	})
}

func (r *memUsers) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	var rows []userRow
	if err := r.read("Users.List", func(d *memData) {
		for _, row := range d.users {
			rows = append(rows, row)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	var result []*model.User
	for _, row := range page(rows, limit, offset) {
		u := row.User
		result = append(result, &u)
	}
	return result, nil
}

func (r *memUsers) Count(ctx context.Context) (int, error) {
	var n int
	err := r.read("Users.Count", func(d *memData) { n = len(d.users) })
	return n, err
}

// --- Видео ---

type memVideos struct{ *repos }

func (r *memVideos) Create(ctx context.Context, v *model.VideoRecord) error {
	return r.write("Videos.Create", func(d *memData) error {
		if _, ok := d.users[v.PatientID]; !ok {
			return fmt.Errorf("%w: пациент %s", repository.ErrNotFound, v.PatientID)
		}
		for _, row := range d.videos {
			if row.StoragePath == v.StoragePath || row.ID == v.ID {
				return fmt.Errorf("%w: путь хранения %s уже занят", repository.ErrConflict, v.StoragePath)
			}
		}
		v.UploadedAt = orNow(v.UploadedAt)
		d.videos[v.ID] = videoRow{VideoRecord: copyVideo(*v), seq: d.next()}
		return nil
	})
}

func (r *memVideos) GetByID(ctx context.Context, id string) (*model.VideoRecord, error) {
	return r.get("Videos.GetByID", id)
}

func (r *memVideos) GetForUpdate(ctx context.Context, id string) (*model.VideoRecord, error) {
	return r.get("Videos.GetForUpdate", id)
}

func (r *memVideos) get(op, id string) (*model.VideoRecord, error) {
	var (
		v  model.VideoRecord
		ok bool
	)
	if err := r.read(op, func(d *memData) {
		var row videoRow
		row, ok = d.videos[id]
		v = copyVideo(row.VideoRecord)
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

func (r *memVideos) filtered(op string, patientID *string) ([]videoRow, error) {
	var rows []videoRow
	err := r.read(op, func(d *memData) {
		for _, row := range d.videos {
			if patientID == nil || row.PatientID == *patientID {
				row.VideoRecord = copyVideo(row.VideoRecord)
				rows = append(rows, row)
			}
		}
	})
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].UploadedAt.Equal(rows[j].UploadedAt) {
			return rows[i].UploadedAt.After(rows[j].UploadedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	return rows, err
}

func (r *memVideos) List(ctx context.Context, patientID *string, limit, offset int) ([]*model.VideoRecord, error) {
	rows, err := r.filtered("Videos.List", patientID)
	if err != nil {
		return nil, err
	}
	var result []*model.VideoRecord
	for _, row := range page(rows, limit, offset) {
		v := row.VideoRecord
		result = append(result, &v)
	}
	return result, nil
}

func (r *memVideos) Count(ctx context.Context, patientID *string) (int, error) {
	rows, err := r.filtered("Videos.Count", patientID)
	return len(rows), err
}

func (r *memVideos) UpdateWorkflow(ctx context.Context, v *model.VideoRecord) error {
	return r.write("Videos.UpdateWorkflow", func(d *memData) error {
		row, ok := d.videos[v.ID]
		if !ok {
			return repository.ErrNotFound
		}
		row.State = v.State
		row.ClassificationResult = copyStr(v.ClassificationResult)
		row.ClassifiedAt = nil
		if v.ClassifiedAt != nil {
			t := *v.ClassifiedAt
			row.ClassifiedAt = &t
		}
		d.videos[v.ID] = row
		return nil
	})
}

// --- Классификации ---

type memClassifications struct{ *repos }

func (r *memClassifications) Append(ctx context.Context, run *model.ClassificationRun) error {
	return r.write("Classifications.Append", func(d *memData) error {
		if _, ok := d.videos[run.VideoID]; !ok {
			return fmt.Errorf("%w: видео %s", repository.ErrNotFound, run.VideoID)
		}
		run.ClassifiedAt = orNow(run.ClassifiedAt)
		d.classifications = append(d.classifications, classificationRow{ClassificationRun: *run, seq: d.next()})
		return nil
	})
}

func (r *memClassifications) ListByVideo(ctx context.Context, videoID string) ([]*model.ClassificationRun, error) {
	var result []*model.ClassificationRun
	err := r.read("Classifications.ListByVideo", func(d *memData) {
		for _, row := range d.classifications {
			if row.VideoID == videoID {
				run := row.ClassificationRun
				result = append(result, &run)
			}
		}
	})
	return result, err
}

// --- Детекции ---

type memDetections struct{ *repos }

func (r *memDetections) Create(ctx context.Context, det *model.MIDetection) error {
	return r.write("Detections.Create", func(d *memData) error {
		if _, ok := d.videos[det.VideoID]; !ok {
			return fmt.Errorf("%w: видео %s", repository.ErrNotFound, det.VideoID)
		}
		// Те же ограничения, что CHECK в схеме
		if det.Final != model.AggregateMI(det.Model1, det.Model2) {
			return fmt.Errorf("нарушено ограничение mi_detections_aggregation")
		}
		if det.Degraded != (det.Model1 == model.MIUnknown || det.Model2 == model.MIUnknown) {
			return fmt.Errorf("нарушено ограничение mi_detections_degraded")
		}
		d.detections = append(d.detections, detectionRow{MIDetection: *det, seq: d.next()})
		return nil
	})
}

func (r *memDetections) DeleteByVideo(ctx context.Context, videoID string) (int64, error) {
	var n int64
	err := r.write("Detections.DeleteByVideo", func(d *memData) error {
		kept := d.detections[:0:0]
		for _, row := range d.detections {
			if row.VideoID == videoID {
				n++
				continue
			}
			kept = append(kept, row)
		}
		d.detections = kept
		return nil
	})
	return n, err
}

func (r *memDetections) ListByVideo(ctx context.Context, videoID string) ([]*model.MIDetection, error) {
	var rows []detectionRow
	if err := r.read("Detections.ListByVideo", func(d *memData) {
		for _, row := range d.detections {
			if row.VideoID == videoID {
				rows = append(rows, row)
			}
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].DetectedAt.Equal(rows[j].DetectedAt) {
			return rows[i].DetectedAt.After(rows[j].DetectedAt)
		}
		return rows[i].seq > rows[j].seq
	})

	result := make([]*model.MIDetection, 0, len(rows))
	for _, row := range rows {
		det := row.MIDetection
		result = append(result, &det)
	}
	return result, nil
}

func (r *memDetections) Latest(ctx context.Context, videoID string) (*model.MIDetection, error) {
	list, err := r.ListByVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, repository.ErrNotFound
	}
	return list[0], nil
}

// --- Заключения ---

type memDiagnoses struct{ *repos }

func (r *memDiagnoses) Create(ctx context.Context, diag *model.Diagnosis) error {
	return r.write("Diagnoses.Create", func(d *memData) error {
		if _, ok := d.videos[diag.VideoID]; !ok {
			return fmt.Errorf("%w: видео %s", repository.ErrNotFound, diag.VideoID)
		}
		diag.CreatedAt = orNow(diag.CreatedAt)
		diag.UpdatedAt = diag.CreatedAt
		d.diagnoses[diag.ID] = diagnosisRow{Diagnosis: *diag, seq: d.next()}
		return nil
	})
}

func (r *memDiagnoses) GetByID(ctx context.Context, id string) (*model.Diagnosis, error) {
	return r.get("Diagnoses.GetByID", id)
}

func (r *memDiagnoses) GetForUpdate(ctx context.Context, id string) (*model.Diagnosis, error) {
	return r.get("Diagnoses.GetForUpdate", id)
}

func (r *memDiagnoses) get(op, id string) (*model.Diagnosis, error) {
	var (
		diag model.Diagnosis
		ok   bool
	)
	if err := r.read(op, func(d *memData) {
		var row diagnosisRow
		row, ok = d.diagnoses[id]
		diag = row.Diagnosis
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &diag, nil
}

func (r *memDiagnoses) UpdateContent(ctx context.Context, diag *model.Diagnosis) error {
	return r.write("Diagnoses.UpdateContent", func(d *memData) error {
		row, ok := d.diagnoses[diag.ID]
		if !ok {
			return repository.ErrNotFound
		}
		row.Content = diag.Content
		row.UpdatedAt = diag.UpdatedAt
		d.diagnoses[diag.ID] = row
		return nil
	})
}

func (r *memDiagnoses) ListByVideo(ctx context.Context, videoID string, desc bool) ([]*model.Diagnosis, error) {
	var rows []diagnosisRow
	if err := r.read("Diagnoses.ListByVideo", func(d *memData) {
		for _, row := range d.diagnoses {
			if row.VideoID == videoID {
				rows = append(rows, row)
			}
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		less := rows[i].seq < rows[j].seq
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			less = rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		if desc {
			return !less
		}
		return less
	})

	result := make([]*model.Diagnosis, 0, len(rows))
	for _, row := range rows {
		diag := row.Diagnosis
		result = append(result, &diag)
	}
	return result, nil
}

func (r *memDiagnoses) AppendRevision(ctx context.Context, rev *model.DiagnosisRevision) error {
	return r.write("Diagnoses.AppendRevision", func(d *memData) error {
		if _, ok := d.diagnoses[rev.DiagnosisID]; !ok {
			return fmt.Errorf("%w: заключение %s", repository.ErrNotFound, rev.DiagnosisID)
		}
		rev.ModifiedAt = orNow(rev.ModifiedAt)
		d.revisions = append(d.revisions, revisionRow{DiagnosisRevision: *rev, seq: d.next()})
		return nil
	})
}

func (r *memDiagnoses) ListRevisions(ctx context.Context, diagnosisID string) ([]*model.DiagnosisRevision, error) {
	var result []*model.DiagnosisRevision
	err := r.read("Diagnoses.ListRevisions", func(d *memData) {
		for _, row := range d.revisions {
			if row.DiagnosisID == diagnosisID {
				rev := row.DiagnosisRevision
				result = append(result, &rev)
			}
		}
	})
	return result, err
}

// --- Аудит ролей ---

type memRoleChanges struct{ *repos }

func (r *memRoleChanges) Append(ctx context.Context, rec *model.RoleChangeRecord) error {
	return r.write("RoleChanges.Append", func(d *memData) error {
		if _, ok := d.users[rec.UserID]; !ok {
			return fmt.Errorf("%w: пользователь %s", repository.ErrNotFound, rec.UserID)
		}
		// CHECK role_changes_effective
		if rec.OldRole == rec.NewRole {
			return fmt.Errorf("нарушено ограничение role_changes_effective")
		}
		row := roleChangeRow{RoleChangeRecord: *rec, seq: d.next()}
		row.AdminID = copyStr(rec.AdminID)
		row.ChangedAt = orNow(row.ChangedAt)
		d.roleChanges = append(d.roleChanges, row)
		return nil
	})
}

func (r *memRoleChanges) filtered(op string, userID *string) ([]roleChangeRow, error) {
	var rows []roleChangeRow
	err := r.read(op, func(d *memData) {
		for _, row := range d.roleChanges {
			if userID == nil || row.UserID == *userID {
				row.AdminID = copyStr(row.AdminID)
				rows = append(rows, row)
			}
		}
	})
	// Новые первыми
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	return rows, err
}

func (r *memRoleChanges) List(ctx context.Context, userID *string, limit, offset int) ([]*model.RoleChangeRecord, error) {
	rows, err := r.filtered("RoleChanges.List", userID)
	if err != nil {
		return nil, err
	}
	var result []*model.RoleChangeRecord
	for _, row := range page(rows, limit, offset) {
		rec := row.RoleChangeRecord
		result = append(result, &rec)
	}
	return result, nil
}

func (r *memRoleChanges) Count(ctx context.Context, userID *string) (int, error) {
	rows, err := r.filtered("RoleChanges.Count", userID)
	return len(rows), err
}
