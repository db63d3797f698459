package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/slots"
)

// InvariantMonitor periodically audits the slot accounting and logs warnings
// when it drifts. It never mutates state; the janitor and reconcilers do the
// repairing. Over-limit occupancy is only reported after two consecutive
// violations so a transient race between SCARD and the counter read does not
// page anyone.
type InvariantMonitor struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	repo     *database.Repository
	interval time.Duration

	overLimit map[string]int

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewInvariantMonitor creates the monitor.
func NewInvariantMonitor(coord *kv.Coordinator, tracker *slots.Tracker, repo *database.Repository, interval time.Duration) *InvariantMonitor {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &InvariantMonitor{
		kv:        coord,
		tracker:   tracker,
		repo:      repo,
		interval:  interval,
		overLimit: make(map[string]int),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the audit loop.
func (m *InvariantMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run()
	log.Println("[Monitor] Started")
}

// Stop halts the loop.
func (m *InvariantMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	log.Println("[Monitor] Stopped")
}

func (m *InvariantMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.audit()
		}
	}
}

func (m *InvariantMonitor) audit() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	campaigns, err := m.repo.ListActiveCampaigns()
	if err != nil {
		log.Printf("[Monitor] Error listing campaigns: %v", err)
		return
	}

	seen := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		seen[c.ID] = true
		if err := m.AuditCampaign(ctx, c.ID); err != nil {
			log.Printf("[Monitor] Error auditing campaign %s: %v", c.ID, err)
		}
	}
	// Forget violation streaks for campaigns that went terminal.
	for id := range m.overLimit {
		if !seen[id] {
			delete(m.overLimit, id)
		}
	}
}

// AuditCampaign checks one campaign's accounting against its limit.
func (m *InvariantMonitor) AuditCampaign(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	limit, hasLimit, err := m.tracker.Limit(ctx, campaignID)
	if err != nil {
		return err
	}
	if !hasLimit {
		// Not yet seeded; dispatch will seed it on first reserve.
		return nil
	}

	occupied, err := m.tracker.ActiveCalls(ctx, campaignID)
	if err != nil {
		return err
	}
	reserved, err := m.tracker.Reserved(ctx, campaignID)
	if err != nil {
		return err
	}
	ledgerCard, err := m.kv.ZCard(ctx, k.Ledger())
	if err != nil {
		return err
	}

	if int(occupied)+int(reserved) > limit {
		m.overLimit[campaignID]++
		if m.overLimit[campaignID] >= 2 {
			log.Printf("[Monitor] WARNING: campaign %s over limit for %d cycles: occupied=%d reserved=%d limit=%d",
				campaignID, m.overLimit[campaignID], occupied, reserved, limit)
		}
	} else {
		delete(m.overLimit, campaignID)
	}

	if reserved != ledgerCard {
		log.Printf("[Monitor] WARNING: campaign %s reserved counter and ledger disagree: reserved=%d ledger=%d",
			campaignID, reserved, ledgerCard)
	}

	// Waitlist dedup set and lane lengths should agree.
	high, err := m.kv.LLen(ctx, k.WaitlistHigh())
	if err != nil {
		return err
	}
	normal, err := m.kv.LLen(ctx, k.WaitlistNormal())
	if err != nil {
		return err
	}
	seenCard, err := m.kv.SCard(ctx, k.WaitlistSeen())
	if err != nil {
		return err
	}
	if high+normal != seenCard {
		log.Printf("[Monitor] WARNING: campaign %s waitlist drift: lanes=%d seen=%d",
			campaignID, high+normal, seenCard)
	}
	return nil
}
