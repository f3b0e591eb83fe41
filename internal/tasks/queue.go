// Package tasks — ограниченные фоновые очереди вместо "запустить и забыть" после ответа.
// Задачи с одинаковым ключом выполняются строго по порядку постановки (один воркер на шард),
// каждая — со своим таймаутом; ошибки, паники и таймауты уходят в метрики и лог.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
)

var (
	ErrQueueFull    = errors.New("tasks: queue full")
	ErrQueueStopped = errors.New("tasks: queue stopped")
)

// Func получает контекст с таймаутом задачи.
type Func func(ctx context.Context) error

type task struct {
	name   string
	fn     Func
	queued time.Time
}

// Queue — шардированная очередь. Запуск через Serve (suture.Service).
type Queue struct {
	name    string
	shards  []chan task
	timeout time.Duration
	stopped atomic.Bool
	depth   atomic.Int64
}

// DefaultTimeout — таймаут задачи, если NewQueue получил timeout <= 0.
const DefaultTimeout = 30 * time.Second

// NewQueue: workers — число шардов (и воркеров), size — общая ёмкость.
func NewQueue(name string, workers, size int, timeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	per := size / workers
	if per < 1 {
		per = 1
	}
	q := &Queue{name: name, timeout: timeout, shards: make([]chan task, workers)}
	for i := range q.shards {
		q.shards[i] = make(chan task, per)
	}
	return q
}

func (q *Queue) String() string { return "queue-" + q.name }

func (q *Queue) shard(key string) chan task {
	return q.shards[xxhash.Sum64String(key)%uint64(len(q.shards))]
}

// Submit ставит задачу без блокировки. При переполнении — ErrQueueFull.
func (q *Queue) Submit(key, name string, fn Func) error {
	if q.stopped.Load() {
		metrics.TasksDropped.WithLabelValues(q.name).Inc()
		return ErrQueueStopped
	}
	select {
	case q.shard(key) <- task{name: name, fn: fn, queued: time.Now()}:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.depth.Add(1)))
		return nil
	default:
		metrics.TasksDropped.WithLabelValues(q.name).Inc()
		return ErrQueueFull
	}
}

// Serve запускает воркеры до отмены ctx, затем дорабатывает уже поставленные задачи.
// Время дренажа ограничено таймаутами задач и таймаутом остановки супервизора.
func (q *Queue) Serve(ctx context.Context) error {
	q.stopped.Store(false)
	var wg sync.WaitGroup
	for _, ch := range q.shards {
		wg.Add(1)
		go func(ch chan task) {
			defer wg.Done()
			q.work(ctx, ch)
		}(ch)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, ch chan task) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case t := <-ch:
			q.run(base, t)
		case <-ctx.Done():
			q.stopped.Store(true)
			for {
				select {
				case t := <-ch:
					q.run(base, t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(base context.Context, t task) {
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.depth.Add(-1)))
	ctx, cancel := context.WithTimeout(base, q.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.fn(ctx)
	}()
	metrics.TaskDuration.WithLabelValues(q.name, t.name).Observe(time.Since(start).Seconds())
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		metrics.TaskFailures.WithLabelValues(q.name, t.name).Inc()
		logger.L().Error().Err(err).
			Str("queue", q.name).
			Str("task", t.name).
			Dur("waited", start.Sub(t.queued)).
			Msg("task failed")
	}
}
