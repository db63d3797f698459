package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"dialhub/internal/queue"
)

const (
	dequeueTimeout    = 2 * time.Second
	schedulerInterval = 1 * time.Second
)

// Workers is the dispatch worker pool plus the scheduler tick that surfaces
// delayed jobs.
type Workers struct {
	pipeline *Pipeline
	queue    *queue.Queue
	count    int

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewWorkers creates a pool of count dispatch workers.
func NewWorkers(p *Pipeline, q *queue.Queue, count int) *Workers {
	if count <= 0 {
		count = 10
	}
	return &Workers{
		pipeline: p,
		queue:    q,
		count:    count,
		stopChan: make(chan struct{}),
	}
}

// Start launches the workers and the scheduler loop.
func (w *Workers) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.wg.Add(w.count + 1)
	w.mu.Unlock()

	for i := 0; i < w.count; i++ {
		go w.work(i)
	}
	go w.runScheduler()
	log.Printf("[Workers] Started %d dispatch workers", w.count)
}

// Stop halts the pool and waits for in-flight jobs to finish their current
// dispatch step.
func (w *Workers) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Println("[Workers] Stopped")
}

func (w *Workers) work(id int) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopChan
		cancel()
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Workers] Worker %d dequeue error: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			// Paused or empty; back off briefly when paused so the loop
			// does not spin.
			if paused, _ := w.queue.IsPaused(ctx); paused {
				time.Sleep(time.Second)
			}
			continue
		}

		if err := w.pipeline.Process(ctx, job); err != nil {
			log.Printf("[Workers] Worker %d error processing job %s: %v", id, job.ID, err)
			if rerr := w.queue.Retry(ctx, job, 10); rerr != nil {
				log.Printf("[Workers] Worker %d error retrying job %s: %v", id, job.ID, rerr)
			}
		}
	}
}

// runScheduler moves due delayed jobs onto the main queue every tick.
func (w *Workers) runScheduler() {
	defer w.wg.Done()

	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), schedulerInterval)
			if n, err := w.queue.MoveScheduledToReady(ctx); err != nil {
				log.Printf("[Workers] Scheduler error: %v", err)
			} else if n > 0 {
				log.Printf("[Workers] Moved %d scheduled jobs to ready", n)
			}
			cancel()
		}
	}
}
