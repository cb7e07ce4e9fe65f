package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maoyuanshou/echocardio-system/internal/config"
	"github.com/maoyuanshou/echocardio-system/internal/domain/model"
	"github.com/maoyuanshou/echocardio-system/internal/domain/rbac"
	"github.com/maoyuanshou/echocardio-system/internal/domain/workflow"
	"github.com/maoyuanshou/echocardio-system/internal/inference"
	"github.com/maoyuanshou/echocardio-system/internal/storage/filestore"
	"github.com/maoyuanshou/echocardio-system/internal/testsupport"
)

// --- Тестовые зависимости ---

// fakeClassifier — классификатор с фиксированным ответом.
type fakeClassifier struct {
	label string
	err   error
	calls atomic.Int32
}

func (f *fakeClassifier) Classify(_ context.Context, video inference.Video) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	// Классификатор должен получить содержимое файла
	rc, err := video.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return "", err
	}
	return f.label, nil
}

// fakeDetector — ансамбль с фиксированными ответами моделей.
type fakeDetector struct {
	mu     sync.Mutex
	m1, m2 model.MIResult
	calls  atomic.Int32
	// hook вызывается перед возвратом результата
	hook func(ctx context.Context)
}

func (f *fakeDetector) set(m1, m2 model.MIResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m1, f.m2 = m1, m2
}

func (f *fakeDetector) Detect(ctx context.Context, _ inference.Video) inference.EnsembleResult {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return inference.EnsembleResult{
		Model1:   f.m1,
		Model2:   f.m2,
		Final:    model.AggregateMI(f.m1, f.m2),
		Degraded: f.m1 == model.MIUnknown || f.m2 == model.MIUnknown,
	}
}

// testClock — детерминированное время, каждый вызов сдвигает его на минуту.
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Minute)
	return c.cur
}

type testEnv struct {
	orch       *Orchestrator
	mem        *testsupport.MemStore
	files      *filestore.FileStore
	classifier *fakeClassifier
	detector   *fakeDetector
	directory  *UserDirectory

	patient, otherPatient, doctor, otherDoctor, admin *model.User
}

func newTestEnv(t *testing.T, policies Policies) *testEnv {
	t.Helper()

	files, err := filestore.New(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	mem := testsupport.NewMemStore()
	logger := testsupport.Logger()
	dir := NewUserDirectory(mem, nil, 16, time.Minute, logger)

	env := &testEnv{
		mem:        mem,
		files:      files,
		classifier: &fakeClassifier{label: "benign"},
		detector:   &fakeDetector{m1: model.MIPositive, m2: model.MINormal},
		directory:  dir,
	}
	env.orch = NewOrchestrator(OrchestratorDeps{
		UnitOfWork: mem,
		Files:      files,
		Authorizer: rbac.NewPolicy(),
		Classifier: env.classifier,
		Detector:   env.detector,
		Directory:  dir,
		Policies:   policies,
		Now:        newTestClock().Now,
	}, logger)

	env.patient = env.addUser(t, "p1", "Анна", model.RolePatient)
	env.otherPatient = env.addUser(t, "p2", "Борис", model.RolePatient)
	env.doctor = env.addUser(t, "d1", "Dr. Ivanova", model.RoleDoctor)
	env.otherDoctor = env.addUser(t, "d2", "Dr. Petrov", model.RoleDoctor)
	env.admin = env.addUser(t, "a1", "admin", model.RoleAdmin)
	return env
}

func (e *testEnv) addUser(t *testing.T, id, name, role string) *model.User {
	t.Helper()
	u := &model.User{ID: id, Username: name, Role: role}
	if err := e.mem.Store().Users.Create(context.Background(), u); err != nil {
		t.Fatalf("создание пользователя %s: %v", id, err)
	}
	return u
}

func (e *testEnv) upload(t *testing.T) *model.VideoRecord {
	t.Helper()
	v, err := e.orch.Upload(context.Background(), e.patient, "echo.mp4", strings.NewReader("echo-video"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return v
}

func (e *testEnv) video(t *testing.T, id string) *model.VideoRecord {
	t.Helper()
	v, err := e.mem.Store().Videos.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return v
}

// --- Workflow ---

func TestWorkflow_EndToEnd(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()

	v := env.upload(t)
	if v.State != string(workflow.StateUploaded) {
		t.Fatalf("стадия после загрузки = %s, ожидалась uploaded", v.State)
	}

	cls, err := env.orch.Classify(ctx, env.patient, v.ID)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Label != "benign" || cls.Video.State != string(workflow.StateClassified) {
		t.Errorf("Classify = %q/%s, ожидалось benign/classified", cls.Label, cls.Video.State)
	}

	det, err := env.orch.Detect(ctx, env.doctor, v.ID)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if det.Detection.Final != model.MIPositive || det.Detection.Degraded {
		t.Errorf("Detect = %s degraded=%v, ожидалось MI без деградации",
			det.Detection.Final, det.Detection.Degraded)
	}
	if det.Detection.RequestedBy != env.doctor.ID {
		t.Errorf("RequestedBy = %q, ожидался %q", det.Detection.RequestedBy, env.doctor.ID)
	}

	d, err := env.orch.Diagnose(ctx, env.doctor, v.ID, "Признаки ИМ передней стенки")
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.PatientID != env.patient.ID || d.DoctorID != env.doctor.ID {
		t.Errorf("заключение: patient=%q doctor=%q", d.PatientID, d.DoctorID)
	}

	details, err := env.orch.GetVideo(ctx, env.patient, v.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if details.Video.State != string(workflow.StateDiagnosed) {
		t.Errorf("стадия = %s, ожидалась diagnosed", details.Video.State)
	}
	if details.Video.ClassificationResult == nil || *details.Video.ClassificationResult != "benign" {
		t.Errorf("ClassificationResult = %v, ожидалось benign", details.Video.ClassificationResult)
	}
	if details.Video.ClassifiedAt == nil {
		t.Error("ClassifiedAt не заполнен")
	}
	if details.LatestDetection == nil || details.LatestDetection.ID != det.Detection.ID {
		t.Errorf("LatestDetection = %+v, ожидалась %s", details.LatestDetection, det.Detection.ID)
	}
}

// Классификация после детекции обновляет метку, но не откатывает стадию.
func TestClassify_AfterDetectKeepsStage(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()
	v := env.upload(t)

	if _, err := env.orch.Detect(ctx, env.patient, v.ID); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	env.classifier.label = "malignant"
	out, err := env.orch.Classify(ctx, env.patient, v.ID)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Video.State != string(workflow.StateDetected) {
		t.Errorf("стадия = %s, ожидалась detected", out.Video.State)
	}
	if got := env.video(t, v.ID).ClassificationResult; got == nil || *got != "malignant" {
		t.Errorf("ClassificationResult = %v, ожидалось malignant", got)
	}
}

func TestClassify_InferenceUnavailable(t *testing.T) {
	env := newTestEnv(t, Policies{})
	v := env.upload(t)
	env.classifier.err = inference.ErrUnavailable

	_, err := env.orch.Classify(context.Background(), env.patient, v.ID)
	if !errors.Is(err, ErrInferenceUnavailable) {
		t.Fatalf("ожидалась ErrInferenceUnavailable, получено %v", err)
	}

	got := env.video(t, v.ID)
	if got.State != string(workflow.StateUploaded) {
		t.Errorf("стадия = %s, ожидалась uploaded", got.State)
	}
	if got.ClassificationResult != nil || got.ClassifiedAt != nil {
		t.Error("результат классификации не должен сохраняться")
	}
}

func TestClassify_Policies(t *testing.T) {
	tests := []struct {
		policy      string
		wantHistory int
	}{
		{config.PolicyOverwrite, 0},
		{config.PolicyAppend, 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			env := newTestEnv(t, Policies{Classification: tt.policy})
			ctx := context.Background()
			v := env.upload(t)

			for _, label := range []string{"benign", "malignant"} {
				env.classifier.label = label
				if _, err := env.orch.Classify(ctx, env.patient, v.ID); err != nil {
					t.Fatalf("Classify(%s): %v", label, err)
				}
			}

			details, err := env.orch.GetVideo(ctx, env.patient, v.ID)
			if err != nil {
				t.Fatalf("GetVideo: %v", err)
			}
			if len(details.Classifications) != tt.wantHistory {
				t.Errorf("история классификаций = %d, ожидалось %d", len(details.Classifications), tt.wantHistory)
			}
			if *details.Video.ClassificationResult != "malignant" {
				t.Errorf("текущая метка = %s, ожидалась malignant", *details.Video.ClassificationResult)
			}
		})
	}
}

func TestDetect_Degraded(t *testing.T) {
	tests := []struct {
		name      string
		m1, m2    model.MIResult
		wantFinal model.MIResult
		wantBlind bool
	}{
		{"одна модель недоступна", model.MIUnknown, model.MINormal, model.MINormal, false},
		{"недоступная модель не скрывает MI", model.MIUnknown, model.MIPositive, model.MIPositive, false},
		{"обе модели недоступны", model.MIUnknown, model.MIUnknown, model.MINormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Policies{})
			v := env.upload(t)
			env.detector.set(tt.m1, tt.m2)

			out, err := env.orch.Detect(context.Background(), env.doctor, v.ID)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			det := out.Detection
			if det.Final != tt.wantFinal || !det.Degraded || det.Blind() != tt.wantBlind {
				t.Errorf("Detect = final %s degraded %v blind %v", det.Final, det.Degraded, det.Blind())
			}

			stored, err := env.orch.ListDetections(context.Background(), env.doctor, v.ID)
			if err != nil {
				t.Fatalf("ListDetections: %v", err)
			}
			if len(stored) != 1 || !stored[0].Degraded {
				t.Errorf("сохранено %d детекций, degraded должен быть сохранён", len(stored))
			}
			if out.Video.State != string(workflow.StateDetected) {
				t.Errorf("стадия = %s, ожидалась detected", out.Video.State)
			}
		})
	}
}

func TestDetect_Policies(t *testing.T) {
	tests := []struct {
		policy string
		want   int
	}{
		{config.PolicyAppend, 3},
		{config.PolicyOverwrite, 1},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			env := newTestEnv(t, Policies{Detection: tt.policy})
			ctx := context.Background()
			v := env.upload(t)

			var last string
			for range 3 {
				out, err := env.orch.Detect(ctx, env.doctor, v.ID)
				if err != nil {
					t.Fatalf("Detect: %v", err)
				}
				last = out.Detection.ID
			}

			list, err := env.orch.ListDetections(ctx, env.doctor, v.ID)
			if err != nil {
				t.Fatalf("ListDetections: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("детекций = %d, ожидалось %d", len(list), tt.want)
			}
			if list[0].ID != last {
				t.Errorf("первой должна идти последняя детекция %s, получено %s", last, list[0].ID)
			}
		})
	}
}

// Отмена запроса во время детекции не сохраняет Unknown как отказ моделей.
func TestDetect_CallerCancelled(t *testing.T) {
	env := newTestEnv(t, Policies{})
	v := env.upload(t)

	ctx, cancel := context.WithCancel(context.Background())
	env.detector.set(model.MIUnknown, model.MIUnknown)
	env.detector.hook = func(context.Context) { cancel() }

	_, err := env.orch.Detect(ctx, env.doctor, v.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено %v", err)
	}

	list, err := env.mem.Store().Detections.ListByVideo(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("сохранено %d детекций, ожидалось 0", len(list))
	}
	if got := env.video(t, v.ID).State; got != string(workflow.StateUploaded) {
		t.Errorf("стадия = %s, ожидалась uploaded", got)
	}
}

// Параллельные детекции одного видео сохраняются целиком и не теряются.
func TestDetect_Concurrent(t *testing.T) {
	env := newTestEnv(t, Policies{Detection: config.PolicyAppend})
	v := env.upload(t)
	env.detector.set(model.MIUnknown, model.MINormal)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.orch.Detect(context.Background(), env.doctor, v.ID)
			if err == nil && (!out.Detection.Degraded || out.Detection.Final != model.MINormal) {
				err = errors.New("неверный результат детекции")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Detect: %v", err)
		}
	}

	list, err := env.mem.Store().Detections.ListByVideo(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(list) != n {
		t.Errorf("детекций = %d, ожидалось %d", len(list), n)
	}
	if got := env.video(t, v.ID).State; got != string(workflow.StateDetected) {
		t.Errorf("стадия = %s, ожидалась detected", got)
	}
}

// --- Авторизация ---

func TestPermissionDenied_NoSideEffects(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()
	v := env.upload(t)

	if _, err := env.orch.Classify(ctx, env.otherPatient, v.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Classify чужим пациентом: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.Detect(ctx, env.otherPatient, v.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Detect чужим пациентом: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.Diagnose(ctx, env.patient, v.ID, "сам себе диагноз"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Diagnose пациентом: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.Diagnose(ctx, env.admin, v.ID, "текст"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Diagnose администратором: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.Upload(ctx, env.doctor, "x.mp4", strings.NewReader("x")); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Upload врачом: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.ChangeRole(ctx, env.doctor, env.patient.ID, model.RoleAdmin); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("ChangeRole врачом: ожидалась ErrPermissionDenied, получено %v", err)
	}
	if _, err := env.orch.ListDiagnoses(ctx, env.otherPatient, v.ID, OrderAsc); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("ListDiagnoses чужим пациентом: ожидалась ErrPermissionDenied, получено %v", err)
	}

	// Внешние сервисы не вызывались, состояние не изменилось
	if env.classifier.calls.Load() != 0 || env.detector.calls.Load() != 0 {
		t.Errorf("вызовы сервисов: classify=%d detect=%d, ожидалось 0",
			env.classifier.calls.Load(), env.detector.calls.Load())
	}
	got := env.video(t, v.ID)
	if got.State != string(workflow.StateUploaded) || got.ClassificationResult != nil {
		t.Errorf("видео изменилось: %+v", got)
	}
	if u, _ := env.mem.Store().Users.GetByID(ctx, env.patient.ID); u.Role != model.RolePatient {
		t.Errorf("роль пациента = %s", u.Role)
	}
	if n, _ := env.mem.Store().RoleChanges.Count(ctx, nil); n != 0 {
		t.Errorf("записей аудита = %d, ожидалось 0", n)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()

	if _, err := env.orch.Classify(ctx, env.doctor, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Classify: ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := env.orch.Detect(ctx, env.doctor, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Detect: ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := env.orch.ReviseDiagnosis(ctx, env.doctor, "missing", "текст"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReviseDiagnosis: ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := env.orch.ChangeRole(ctx, env.admin, "missing", model.RoleDoctor); !errors.Is(err, ErrNotFound) {
		t.Errorf("ChangeRole: ожидалась ErrNotFound, получено %v", err)
	}
}

// --- Загрузка ---

func TestUpload(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()
	v := env.upload(t)

	if v.PatientID != env.patient.ID || v.OriginalFilename != "echo.mp4" {
		t.Errorf("видео: patient=%q filename=%q", v.PatientID, v.OriginalFilename)
	}
	if v.SizeBytes != int64(len("echo-video")) || v.Checksum == "" {
		t.Errorf("размер %d, checksum %q", v.SizeBytes, v.Checksum)
	}

	_, f, err := env.orch.OpenVideo(ctx, env.doctor, v.ID)
	if err != nil {
		t.Fatalf("OpenVideo: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "echo-video" {
		t.Errorf("содержимое = %q", data)
	}
}

func TestUpload_Validation(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()

	if _, err := env.orch.Upload(ctx, env.patient, "  ", strings.NewReader("x")); !errors.Is(err, ErrValidation) {
		t.Errorf("пустое имя: ожидалась ErrValidation, получено %v", err)
	}
	big := strings.NewReader(strings.Repeat("x", 2048))
	if _, err := env.orch.Upload(ctx, env.patient, "big.mp4", big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("большой файл: ожидалась ErrTooLarge, получено %v", err)
	}
}

// Ошибка регистрации в БД удаляет уже сохранённый файл.
func TestUpload_RegistrationFailureRemovesFile(t *testing.T) {
	env := newTestEnv(t, Policies{})
	env.mem.FailOn("Videos.Create", errors.New("сбой БД"))

	_, err := env.orch.Upload(context.Background(), env.patient, "echo.mp4", strings.NewReader("data"))
	if err == nil {
		t.Fatal("ожидалась ошибка регистрации")
	}

	entries, err := os.ReadDir(filepath.Join(env.files.DataDir(), env.patient.ID))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("после ошибки остались файлы: %d", len(entries))
	}
}

func TestListVideos(t *testing.T) {
	env := newTestEnv(t, Policies{})
	ctx := context.Background()
	env.upload(t)
	env.upload(t)
	if _, err := env.orch.Upload(ctx, env.otherPatient, "b.mp4", strings.NewReader("b")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	own, total, err := env.orch.ListVideos(ctx, env.patient, 10, 0)
	if err != nil {
		t.Fatalf("ListVideos(patient): %v", err)
	}
	if len(own) != 2 || total != 2 {
		t.Errorf("пациент видит %d/%d видео, ожидалось 2/2", len(own), total)
	}
	for _, v := range own {
		if v.PatientID != env.patient.ID {
			t.Errorf("пациент видит чужое видео %s", v.ID)
		}
	}

	all, total, err := env.orch.ListVideos(ctx, env.doctor, 2, 0)
	if err != nil {
		t.Fatalf("ListVideos(doctor): %v", err)
	}
	if len(all) != 2 || total != 3 {
		t.Errorf("врач видит %d/%d видео, ожидалось 2/3", len(all), total)
	}
}
