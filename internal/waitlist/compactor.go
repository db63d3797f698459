package waitlist

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
)

// staleEntryAge is how long a waitlisted job may sit before the compactor
// checks whether its contact already reached a terminal status.
const staleEntryAge = 10 * time.Minute

// Compactor repairs waitlist drift: markers without list entries, list
// entries without markers, and stale entries whose contact is already done.
type Compactor struct {
	kv       *kv.Coordinator
	service  *Service
	repo     *database.Repository
	queue    *queue.Queue
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewCompactor creates the compactor.
func NewCompactor(coord *kv.Coordinator, svc *Service, repo *database.Repository, q *queue.Queue, interval time.Duration) *Compactor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Compactor{
		kv:       coord,
		service:  svc,
		repo:     repo,
		queue:    q,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the compaction loop.
func (c *Compactor) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
	log.Println("[Compactor] Started")
}

// Stop halts the loop.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()
	log.Println("[Compactor] Stopped")
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.compactAll()
		}
	}
}

func (c *Compactor) compactAll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	campaigns, err := c.repo.ListActiveCampaigns()
	if err != nil {
		log.Printf("[Compactor] Error listing campaigns: %v", err)
		return
	}
	for _, campaign := range campaigns {
		if err := c.CompactCampaign(ctx, campaign.ID); err != nil {
			log.Printf("[Compactor] Error compacting campaign %s: %v", campaign.ID, err)
		}
	}
}

// CompactCampaign runs one repair pass. Idempotent.
func (c *Compactor) CompactCampaign(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	listed := make(map[string]bool)
	for _, lane := range []string{k.WaitlistHigh(), k.WaitlistNormal()} {
		ids, err := c.kv.LRange(ctx, lane, 0, -1)
		if err != nil {
			return err
		}
		for _, id := range ids {
			listed[id] = true
		}
	}

	// Markers without a list entry are leftovers of a crashed pop.
	markerKeys, err := c.kv.ScanKeys(ctx, k.WaitlistMarker("*"))
	if err != nil {
		return err
	}
	markerPrefix := k.WaitlistMarker("")
	for _, mk := range markerKeys {
		jobID := strings.TrimPrefix(mk, markerPrefix)
		if listed[jobID] {
			continue
		}
		if err := c.kv.Del(ctx, mk); err != nil {
			return err
		}
		if err := c.kv.SRem(ctx, k.WaitlistSeen(), jobID); err != nil {
			return err
		}
		if err := c.kv.ZRem(ctx, k.Fairness(), jobID); err != nil {
			return err
		}
		log.Printf("[Compactor] Pruned orphan marker: campaign=%s job=%s", campaignID, jobID)
	}

	// List entries without markers get one synthesized so aging still works;
	// stale entries whose contact is already terminal get purged.
	for jobID := range listed {
		markerExists, err := c.kv.Exists(ctx, k.WaitlistMarker(jobID))
		if err != nil {
			return err
		}
		if !markerExists {
			if err := c.kv.Set(ctx, k.WaitlistMarker(jobID), markerValue(queue.OriginNormal, time.Now()), 0); err != nil {
				return err
			}
			if err := c.service.addFairness(ctx, k, jobID, time.Now()); err != nil {
				return err
			}
			log.Printf("[Compactor] Synthesized marker: campaign=%s job=%s", campaignID, jobID)
			continue
		}

		val, _, err := c.kv.Get(ctx, k.WaitlistMarker(jobID))
		if err != nil {
			return err
		}
		_, firstSeen, ok := parseMarker(val)
		if !ok || time.Since(firstSeen) < staleEntryAge {
			continue
		}
		if done, err := c.contactDone(ctx, jobID); err == nil && done {
			if err := c.service.Drop(ctx, campaignID, jobID); err != nil {
				return err
			}
			_ = c.queue.Remove(ctx, jobID)
			log.Printf("[Compactor] Purged stale entry for finished contact: campaign=%s job=%s", campaignID, jobID)
		}
	}
	return nil
}

// contactDone resolves the job payload and checks whether its contact has
// already reached a terminal status.
func (c *Compactor) contactDone(ctx context.Context, jobID string) (bool, error) {
	exists, err := c.queue.Exists(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !exists {
		// Payload gone: nothing can ever dispatch this entry.
		return true, nil
	}
	j, err := c.queue.Peek(ctx, jobID)
	if err != nil || j == nil {
		return false, err
	}
	contact, err := c.repo.GetContact(j.ContactID)
	if err != nil {
		return false, err
	}
	return database.TerminalContactStatus(contact.Status), nil
}
