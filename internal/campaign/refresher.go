package campaign

import (
	"context"
	"log"
	"sync"
	"time"
)

// refreshInterval sits well inside the pause-flag TTL so the flag never
// expires while a campaign is meant to stay paused.
const refreshInterval = 60 * time.Second

// Refresher keeps pause flags alive for paused campaigns.
type Refresher struct {
	controller *Controller

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewRefresher creates the pause-flag refresher.
func NewRefresher(c *Controller) *Refresher {
	return &Refresher{
		controller: c,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[Refresher] Started")
}

// Stop halts the loop.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[Refresher] Stopped")
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := r.controller.RefreshPauseFlags(ctx); err != nil {
				log.Printf("[Refresher] Error refreshing pause flags: %v", err)
			}
			cancel()
		}
	}
}
