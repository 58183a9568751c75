// lifecycle.go — фоновая очистка непривязанных файлов.
//
// Цикл состоит из двух фаз:
//  1. Scanning: выборка записей по предикату очистки
//     (linked = false И (uploaded_at или linked_at старше таймаута))
//  2. Reaping: для каждой записи удаляется объект, и только после
//     успешного удаления объекта удаляется запись
//
// Запись без объекта допустима (повторный цикл её удалит), объект без
// записи не допускается. Ошибка отдельного файла не прерывает цикл.
//
// Запускается как горутина с периодическим тикером (CDN_CLEANUP_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nextania/cdn/internal/domain/model"
	"github.com/nextania/cdn/internal/repository"
)

// Prometheus-метрики очистки.
var (
	lifecycleRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdn_lifecycle_runs_total",
		Help: "Общее количество циклов очистки.",
	})

	lifecycleFilesReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdn_lifecycle_files_reaped_total",
		Help: "Общее количество файлов, удалённых очисткой.",
	})

	lifecycleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdn_lifecycle_errors_total",
		Help: "Ошибки очистки по стадиям (scan, object_delete, record_delete).",
	}, []string{"stage"})

	lifecycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdn_lifecycle_duration_seconds",
		Help:    "Длительность цикла очистки в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// LifecycleState — фаза работы очистки.
type LifecycleState int32

const (
	StateIdle LifecycleState = iota
	StateScanning
	StateReaping
)

func (s LifecycleState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateReaping:
		return "reaping"
	default:
		return "idle"
	}
}

// CycleResult — результат одного цикла очистки.
type CycleResult struct {
	// Candidates — сколько записей отобрано сканированием
	Candidates int
	// Reaped — сколько файлов удалено полностью (объект + запись)
	Reaped int
	// ObjectErrors — ошибки удаления объектов (запись оставлена)
	ObjectErrors int
	// RecordErrors — ошибки удаления записей (объект уже удалён)
	RecordErrors int
	// Aborted — сканирование не удалось, фаза удаления не выполнялась
	Aborted bool
	// Truncated — кандидатов больше, чем обработано; остаток — в следующих циклах
	Truncated bool
	// Duration — длительность цикла
	Duration time.Duration
}

// LifecycleReconciler — фоновая очистка файлов, не привязанных вовремя.
type LifecycleReconciler struct {
	files        repository.FileRepository
	objects      ObjectStore
	timeout      time.Duration
	interval     time.Duration
	batchSize    int
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex // один цикл одновременно
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycleReconciler создаёт сервис очистки.
//   - timeout — сколько файл может оставаться непривязанным
//   - interval — период между циклами
//   - batchSize — максимум кандидатов за цикл
//   - storeTimeout — ограничение на каждый вызов хранилища
func NewLifecycleReconciler(
	files repository.FileRepository,
	objects ObjectStore,
	timeout time.Duration,
	interval time.Duration,
	batchSize int,
	storeTimeout time.Duration,
	logger *slog.Logger,
) *LifecycleReconciler {
	return &LifecycleReconciler{
		files:        files,
		objects:      objects,
		timeout:      timeout,
		interval:     interval,
		batchSize:    batchSize,
		storeTimeout: storeTimeout,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "lifecycle")),
	}
}

// State возвращает текущую фазу.
func (r *LifecycleReconciler) State() LifecycleState {
	return LifecycleState(r.state.Load())
}

// Start запускает фоновую горутину. Первый цикл — через один интервал.
// Вызывается один раз при старте приложения.
func (r *LifecycleReconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)

	r.logger.Info("Очистка файлов запущена",
		slog.String("interval", r.interval.String()),
		slog.String("file_timeout", r.timeout.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт её завершения.
// Начатый цикл доводится до конца.
func (r *LifecycleReconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Очистка файлов остановлена")
}

// run — основной цикл фоновой горутины.
func (r *LifecycleReconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Сигнал остановки проверяется только между циклами.
			if ctx.Err() != nil {
				return
			}
			r.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки. Если цикл уже выполняется,
// возвращает nil. Отмена ctx не прерывает начатый цикл: каждый вызов
// хранилища ограничен только storeTimeout.
func (r *LifecycleReconciler) RunOnce(ctx context.Context) *CycleResult {
	if !r.mu.TryLock() {
		r.logger.Debug("Цикл очистки уже выполняется, пропуск")
		return nil
	}
	defer r.mu.Unlock()
	defer r.state.Store(int32(StateIdle))

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	result := &CycleResult{}

	// Фаза 1: сканирование
	r.state.Store(int32(StateScanning))
	batch, truncated, err := r.scan(ctx)
	if err != nil {
		result.Aborted = true
		result.Duration = time.Since(start)
		lifecycleRunsTotal.Inc()
		lifecycleErrorsTotal.WithLabelValues("scan").Inc()
		lifecycleDurationSeconds.Observe(result.Duration.Seconds())
		r.logger.Error("Очистка: ошибка сканирования, цикл прерван",
			slog.String("error", err.Error()),
		)
		return result
	}
	result.Candidates = len(batch)
	result.Truncated = truncated

	// Фаза 2: удаление
	r.state.Store(int32(StateReaping))
	for _, rec := range batch {
		switch err := r.reap(ctx, rec.ID); {
		case err == nil:
			result.Reaped++
		case isObjectStage(err):
			result.ObjectErrors++
		default:
			result.RecordErrors++
		}
	}

	result.Duration = time.Since(start)

	lifecycleRunsTotal.Inc()
	lifecycleFilesReapedTotal.Add(float64(result.Reaped))
	lifecycleDurationSeconds.Observe(result.Duration.Seconds())

	r.logger.Info("Очистка завершена",
		slog.Int("candidates", result.Candidates),
		slog.Int("reaped", result.Reaped),
		slog.Int("object_errors", result.ObjectErrors),
		slog.Int("record_errors", result.RecordErrors),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// scan собирает не более batchSize записей, подходящих под предикат очистки.
// Каждая запись перепроверяется предикатом в процессе.
//
// Обход ограничен одним storeTimeout. Если время вышло, а часть кандидатов
// уже получена, цикл продолжается с ними: удалённые записи не попадут
// в следующую выборку, и большой хвост разбирается за несколько циклов.
func (r *LifecycleReconciler) scan(ctx context.Context) ([]*model.FileRecord, bool, error) {
	now := r.now().UTC()
	cutoff := model.ExpiryCutoff(now, r.timeout)

	scanCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	var batch []*model.FileRecord
	seen := 0
	err := r.files.ForEachExpired(scanCtx, cutoff, r.batchSize, func(rec *model.FileRecord) error {
		seen++
		if !rec.ExpiryEligible(now, r.timeout) {
			r.logger.Warn("Очистка: запись не проходит предикат, пропуск",
				slog.String("file_id", rec.ID),
			)
			return nil
		}
		batch = append(batch, rec)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && len(batch) > 0 {
			r.logger.Warn("Очистка: сканирование прервано по таймауту, обрабатывается полученная часть",
				slog.Int("candidates", len(batch)),
				slog.Duration("timeout", r.storeTimeout),
			)
			return batch, true, nil
		}
		return nil, false, err
	}
	return batch, r.batchSize > 0 && seen >= r.batchSize, nil
}

// Reap удаляет файл полностью: сначала объект, затем запись.
// Идемпотентен: повторный вызов для удалённого файла завершается без ошибки.
func (r *LifecycleReconciler) Reap(ctx context.Context, fileID string) error {
	return r.reap(context.WithoutCancel(ctx), fileID)
}

func (r *LifecycleReconciler) reap(ctx context.Context, fileID string) error {
	objCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	err := r.objects.Delete(objCtx, fileID)
	cancel()
	if err != nil {
		lifecycleErrorsTotal.WithLabelValues("object_delete").Inc()
		r.logger.Error("Очистка: ошибка удаления объекта",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return &reapError{stage: stageObject, err: err}
	}

	recCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	err = r.files.Delete(recCtx, fileID)
	cancel()
	if err != nil {
		lifecycleErrorsTotal.WithLabelValues("record_delete").Inc()
		r.logger.Error("Очистка: объект удалён, запись осталась",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return &reapError{stage: stageRecord, err: err}
	}

	r.logger.Debug("Очистка: файл удалён",
		slog.String("file_id", fileID),
	)
	return nil
}

const (
	stageObject = "object_delete"
	stageRecord = "record_delete"
)

// reapError — ошибка удаления с указанием стадии.
type reapError struct {
	stage string
	err   error
}

func (e *reapError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *reapError) Unwrap() error { return e.err }

func isObjectStage(err error) bool {
	re, ok := err.(*reapError)
	return ok && re.stage == stageObject
}
