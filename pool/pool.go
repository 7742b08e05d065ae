/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package pool provides a bounded worker pool: a fixed number of executor
// goroutines draining an unbounded task backlog.  Submission never blocks;
// only execution concurrency is capped.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/vernisproject/vernis/param"
)

var (
	// ErrAwaitTimeout is reported per task when AwaitAll's deadline
	// passes before the task finishes.  The task itself keeps running.
	ErrAwaitTimeout = errors.New("timed out waiting for task completion")

	// ErrUnknownTask is reported for task IDs the pool has no record of
	// (typically already pruned results).
	ErrUnknownTask = errors.New("unknown task ID")

	// ErrQueueSaturated flags an abnormally deep backlog.  Submission
	// still succeeds; the monitor surfaces this as a capacity warning.
	ErrQueueSaturated = errors.New("worker pool backlog abnormally deep")

	poolActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vernis_pool_active_tasks",
		Help: "Number of tasks currently executing in the worker pool",
	})
	poolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vernis_pool_queue_depth",
		Help: "Number of tasks waiting in the worker pool backlog",
	})
	poolTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vernis_pool_tasks_total",
		Help: "Worker pool task outcomes",
	}, []string{"outcome"})
)

type (
	// TaskFunc is the unit of pooled work.  The context is the pool's
	// lifetime context; tasks are expected to be short and well-behaved,
	// they are never cancelled mid-flight.
	TaskFunc func(ctx context.Context) error

	TaskID = uuid.UUID

	task struct {
		id          TaskID
		name        string
		fn          TaskFunc
		submittedAt time.Time
		startedAt   time.Time // zero until a worker picks it up
		completedAt time.Time
		err         error
		done        chan struct{}
	}

	// Stats is a point-in-time snapshot of pool accounting; advisory
	// only, not correctness-critical.
	Stats struct {
		Workers     int               `json:"workers"`
		Active      int               `json:"active"`
		QueueDepth  int               `json:"queue_depth"`
		Submitted   int64             `json:"submitted_total"`
		Completed   int64             `json:"completed_total"`
		Failed      int64             `json:"failed_total"`
		LongRunning []LongRunningTask `json:"long_running_tasks,omitempty"`
	}

	LongRunningTask struct {
		ID      TaskID        `json:"id"`
		Name    string        `json:"name"`
		Runtime time.Duration `json:"runtime"`
	}

	Pool struct {
		ctx     context.Context
		workers int

		mu     sync.Mutex
		cond   *sync.Cond
		queue  []*task
		tasks  map[TaskID]*task
		active int

		submitted uatomic.Int64
		completed uatomic.Int64
		failed    uatomic.Int64
	}
)

// New starts a pool of `workers` executor goroutines tied to ctx.  The
// workers drain the backlog until the context is cancelled; queued tasks
// left behind at shutdown are abandoned (warming work is re-triggered by
// the next daemon cycle, so nothing is lost permanently).
func New(ctx context.Context, workers int) (*Pool, error) {
	if workers <= 0 {
		return nil, errors.New("worker count must be a positive integer")
	}
	p := &Pool{
		ctx:     ctx,
		workers: workers,
		tasks:   make(map[TaskID]*task),
	}
	p.cond = sync.NewCond(&p.mu)
	for idx := 0; idx < workers; idx++ {
		go p.runWorker()
	}
	// Wake any waiting workers when the pool context ends.
	go func() {
		<-ctx.Done()
		p.cond.Broadcast()
	}()
	return p, nil
}

// Submit enqueues a task and returns immediately.  The backlog is
// unbounded; only execution concurrency is limited.
func (p *Pool) Submit(name string, fn TaskFunc) TaskID {
	t := &task{
		id:          uuid.New(),
		name:        name,
		fn:          fn,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	p.mu.Lock()
	p.queue = append(p.queue, t)
	p.tasks[t.id] = t
	p.mu.Unlock()

	p.submitted.Inc()
	poolTasksTotal.WithLabelValues("submitted").Inc()
	p.cond.Signal()
	return t.id
}

// AwaitAll blocks until every listed task finishes or the timeout passes,
// returning per-task errors.  Tasks unfinished at the deadline report
// ErrAwaitTimeout but keep running.  Request-path callers must never use
// this; it exists for CLI/batch tools.
func (p *Pool) AwaitAll(ids []TaskID, timeout time.Duration) map[TaskID]error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	results := make(map[TaskID]error, len(ids))
	for idx, id := range ids {
		p.mu.Lock()
		t, ok := p.tasks[id]
		p.mu.Unlock()
		if !ok {
			results[id] = ErrUnknownTask
			continue
		}
		select {
		case <-t.done:
			results[id] = t.err
		case <-deadline.C:
			// Deadline passed: collect whatever has finished without
			// further blocking.  Indexing by position, not by result
			// count, keeps duplicate IDs in the list harmless.
			for _, rest := range ids[idx:] {
				p.mu.Lock()
				t, ok := p.tasks[rest]
				p.mu.Unlock()
				if !ok {
					results[rest] = ErrUnknownTask
					continue
				}
				select {
				case <-t.done:
					results[rest] = t.err
				default:
					results[rest] = ErrAwaitTimeout
				}
			}
			return results
		}
	}
	return results
}

// Stats snapshots the pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	stats := Stats{
		Workers:    p.workers,
		Active:     p.active,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
	threshold := param.Cache_StuckTaskThreshold.GetDuration()
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	now := time.Now()
	for _, t := range p.tasks {
		if !t.startedAt.IsZero() && t.completedAt.IsZero() && now.Sub(t.startedAt) > threshold {
			stats.LongRunning = append(stats.LongRunning, LongRunningTask{
				ID:      t.id,
				Name:    t.name,
				Runtime: now.Sub(t.startedAt),
			})
		}
	}
	return stats
}

// Utilization is active workers over total workers; feeds the health
// monitor's pool-saturation threshold.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.active) / float64(p.workers)
}

// RunMonitor installs the diagnostic loop into the errgroup: every
// monitor interval it logs saturation and stuck tasks, refreshes the
// prometheus gauges, and prunes old completed-task records.  Purely
// diagnostic; it never cancels anything.
func (p *Pool) RunMonitor(ctx context.Context, egrp *errgroup.Group) {
	egrp.Go(func() error {
		interval := param.Cache_MonitorInterval.GetDuration()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.monitorOnce()
			case <-ctx.Done():
				return nil
			}
		}
	})
}

func (p *Pool) monitorOnce() {
	p.mu.Lock()
	stats := p.statsLocked()
	p.pruneCompletedLocked()
	p.mu.Unlock()

	poolActiveTasks.Set(float64(stats.Active))
	poolQueueDepth.Set(float64(stats.QueueDepth))

	if stats.Active == stats.Workers && stats.QueueDepth > 0 {
		log.Warningf("Worker pool saturated: all %d workers busy, %d tasks queued", stats.Workers, stats.QueueDepth)
	}
	if warnDepth := param.Cache_QueueWarnDepth.GetInt(); warnDepth > 0 && stats.QueueDepth > warnDepth {
		log.Warningln(errors.Wrapf(ErrQueueSaturated, "%d tasks queued (threshold %d)", stats.QueueDepth, warnDepth))
	}
	for _, lr := range stats.LongRunning {
		log.Warningf("Task %q (%s) has been running for %s; possible stuck task", lr.Name, lr.ID, lr.Runtime.Round(time.Second))
	}
}

// Completed task records are kept briefly so AwaitAll callers can fetch
// results, then dropped to bound memory.
const completedTaskRetention = 10 * time.Minute

func (p *Pool) pruneCompletedLocked() {
	cutoff := time.Now().Add(-completedTaskRetention)
	for id, t := range p.tasks {
		if !t.completedAt.IsZero() && t.completedAt.Before(cutoff) {
			delete(p.tasks, id)
		}
	}
}

func (p *Pool) runWorker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.ctx.Err() == nil {
			p.cond.Wait()
		}
		if p.ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		t.startedAt = time.Now()
		p.active++
		p.mu.Unlock()

		err := runTask(p.ctx, t)

		p.mu.Lock()
		p.active--
		t.err = err
		t.completedAt = time.Now()
		close(t.done)
		p.mu.Unlock()

		p.completed.Inc()
		poolTasksTotal.WithLabelValues("completed").Inc()
		if err != nil {
			p.failed.Inc()
			poolTasksTotal.WithLabelValues("failed").Inc()
			log.Debugf("Pooled task %q failed: %v", t.name, err)
		}
	}
}

// runTask contains a task's failure: an error or panic is captured and
// counted, never propagated to unrelated tasks or the pool itself.
func runTask(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %q panicked: %v", t.name, r)
			log.Errorln(err)
		}
	}()
	return t.fn(ctx)
}

func (s Stats) String() string {
	return fmt.Sprintf("active=%d/%d queued=%d submitted=%d completed=%d failed=%d",
		s.Active, s.Workers, s.QueueDepth, s.Submitted, s.Completed, s.Failed)
}
