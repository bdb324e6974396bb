// Package timer runs one-shot and recurring jobs from a single min-heap.
// Callbacks execute on a fixed worker pool.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a job due at ExpiryAt. A non-zero Interval reschedules it after
// each run.
type Task struct {
	ID       string
	ExpiryAt time.Time
	Interval time.Duration
	Callback func()
	index    int
}

// taskHeap is a min-heap of Tasks ordered by ExpiryAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Scheduler owns the heap and the worker pool.
type Scheduler struct {
	heap    taskHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*Task
	jobs    chan func()
	workers int
	wg      sync.WaitGroup
	stopped bool
	stopCh  chan struct{}
	now     func() time.Time

	executed uint64
}

// NewScheduler creates a scheduler with the given number of workers.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		heap:    make(taskHeap, 0),
		wakeup:  make(chan struct{}, 1),
		tasks:   make(map[string]*Task),
		jobs:    make(chan func(), workers*4),
		workers: workers,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the workers and the scheduling loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.run()
}

// Stop halts scheduling and waits for running callbacks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule runs callback once at expiryAt, replacing any task with the same id.
func (s *Scheduler) Schedule(id string, expiryAt time.Time, callback func()) error {
	return s.add(&Task{ID: id, ExpiryAt: expiryAt, Callback: callback})
}

// Every runs callback at first and then every interval until cancelled.
func (s *Scheduler) Every(id string, first time.Time, interval time.Duration, callback func()) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	return s.add(&Task{ID: id, ExpiryAt: first, Interval: interval, Callback: callback})
}

func (s *Scheduler) add(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrManagerStopped
	}
	if existing, ok := s.tasks[task.ID]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	heap.Push(&s.heap, task)
	s.tasks[task.ID] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a scheduled task
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		wait := time.Hour
		if s.heap.Len() > 0 {
			next := s.heap[0]
			wait = next.ExpiryAt.Sub(s.now())
			if wait <= 0 {
				heap.Pop(&s.heap)
				if next.Interval > 0 {
					// skip missed ticks instead of bursting
					next.ExpiryAt = next.ExpiryAt.Add(next.Interval)
					for !next.ExpiryAt.After(s.now()) {
						next.ExpiryAt = next.ExpiryAt.Add(next.Interval)
					}
					heap.Push(&s.heap, next)
				} else {
					delete(s.tasks, next.ID)
				}
				s.executed++
				callback := next.Callback
				s.mu.Unlock()

				select {
				case s.jobs <- callback:
				case <-s.stopCh:
					return
				}
				continue
			}
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.wakeup:
			t.Stop()
		case <-s.stopCh:
			t.Stop()
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.stopCh:
			return
		}
	}
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ScheduledTasks: len(s.tasks),
		Executed:       s.executed,
		Workers:        s.workers,
	}
}

type Stats struct {
	ScheduledTasks int
	Executed       uint64
	Workers        int
}

// NextAligned returns the first instant after now that sits offset past a
// multiple of interval, e.g. HH:05 for an hourly interval with a five minute offset.
func NextAligned(now time.Time, interval, offset time.Duration) time.Time {
	next := now.Truncate(interval).Add(offset)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

var (
	ErrManagerStopped  = &TimerError{"scheduler is stopped"}
	ErrInvalidInterval = &TimerError{"interval must be positive"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
