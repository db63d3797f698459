package waitlist

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
)

const (
	// promoteMutexTTL bounds the promotion critical section per campaign.
	promoteMutexTTL = 5 * time.Second
	// promoteGateTTL debounces bursts of slot-available events.
	promoteGateTTL = 200 * time.Millisecond
)

// Promoter moves waitlisted jobs onto the main queue when capacity appears.
// Triggers: slot-available pub/sub events, the periodic tick, and explicit
// limit increases (which publish the same event). Promotion per campaign is
// serialized through the promote-mutex so concurrent promoters on different
// workers cannot double-dispatch.
type Promoter struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	queue    *queue.Queue
	service  *Service
	repo     *database.Repository
	agingMs  int
	batch    int
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewPromoter wires the promotion engine.
func NewPromoter(coord *kv.Coordinator, tracker *slots.Tracker, q *queue.Queue, svc *Service, repo *database.Repository, agingMs, batchSize int, interval time.Duration) *Promoter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Promoter{
		kv:       coord,
		tracker:  tracker,
		queue:    q,
		service:  svc,
		repo:     repo,
		agingMs:  agingMs,
		batch:    batchSize,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the event listener and the periodic sweep.
func (p *Promoter) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.wg.Add(2)
	p.mu.Unlock()

	go p.listenEvents()
	go p.run()
	log.Println("[Promoter] Started")
}

// Stop halts both loops and waits for them.
func (p *Promoter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	log.Println("[Promoter] Stopped")
}

// listenEvents reacts to slot-available signals in near real time.
func (p *Promoter) listenEvents() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopChan
		cancel()
	}()

	sub := p.kv.PSubscribe(ctx, "campaign:*:slot-available")
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-p.stopChan:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			campaignID := campaignFromChannel(msg.Channel)
			if campaignID == "" {
				continue
			}
			// Debounce: a release storm collapses into one promotion run.
			set, err := p.kv.SetNX(ctx, slots.NewKeys(campaignID).PromoteGate(), "1", promoteGateTTL)
			if err != nil || !set {
				continue
			}
			if n, err := p.PromoteCampaign(ctx, campaignID); err != nil {
				log.Printf("[Promoter] Error promoting campaign %s: %v", campaignID, err)
			} else if n > 0 {
				log.Printf("[Promoter] Promoted %d jobs for campaign %s (event)", n, campaignID)
			}
		}
	}
}

// run sweeps every active campaign on a timer so jobs never strand when an
// event is lost.
func (p *Promoter) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Promoter) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	campaigns, err := p.repo.ListActiveCampaigns()
	if err != nil {
		log.Printf("[Promoter] Error listing campaigns: %v", err)
		return
	}
	for _, c := range campaigns {
		if c.State != database.CampaignActive {
			continue
		}
		if n, err := p.PromoteCampaign(ctx, c.ID); err != nil {
			log.Printf("[Promoter] Error promoting campaign %s: %v", c.ID, err)
		} else if n > 0 {
			log.Printf("[Promoter] Promoted %d jobs for campaign %s (sweep)", n, c.ID)
		}
	}
}

// PromoteCampaign runs one promotion pass under the campaign's promote-mutex
// and returns how many jobs it moved. Promoting with zero free slots is a
// no-op: the mutex is taken and released without touching the lists.
func (p *Promoter) PromoteCampaign(ctx context.Context, campaignID string) (int, error) {
	k := slots.NewKeys(campaignID)
	token := uuid.NewString()

	acquired, err := p.kv.SetNX(ctx, k.PromoteMutex(), token, promoteMutexTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer p.releaseMutex(ctx, k, token)

	promoted := 0
	for promoted < p.batch {
		free, err := p.freeSlots(ctx, campaignID)
		if err != nil {
			return promoted, err
		}
		if free <= 0 {
			break
		}

		entry, err := p.nextEntry(ctx, k)
		if err != nil {
			return promoted, err
		}
		if entry == nil {
			break
		}

		decision, err := p.tracker.ReserveSlot(ctx, campaignID, entry.Origin, entry.JobID)
		if errors.Is(err, slots.ErrLimitMissing) {
			if err := p.seedLimit(ctx, campaignID); err != nil {
				return promoted, err
			}
			decision, err = p.tracker.ReserveSlot(ctx, campaignID, entry.Origin, entry.JobID)
		}
		if errors.Is(err, slots.ErrCampaignPaused) {
			// Back off: the job keeps its place in line.
			if rerr := p.service.ReturnToHead(ctx, campaignID, entry.JobID, entry.Origin); rerr != nil {
				return promoted, rerr
			}
			if perr := p.publishBackoff(ctx, k); perr != nil {
				return promoted, perr
			}
			break
		}
		if err != nil {
			if rerr := p.service.ReturnToHead(ctx, campaignID, entry.JobID, entry.Origin); rerr != nil {
				return promoted, rerr
			}
			return promoted, err
		}
		if decision != slots.Granted {
			if err := p.service.ReturnToHead(ctx, campaignID, entry.JobID, entry.Origin); err != nil {
				return promoted, err
			}
			if err := p.publishBackoff(ctx, k); err != nil {
				return promoted, err
			}
			break
		}

		if err := p.queue.RequeueFront(ctx, entry.JobID); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// freeSlots computes limit - (leases + reserved). Pre-dial leases are set
// members, so SCARD already counts them.
func (p *Promoter) freeSlots(ctx context.Context, campaignID string) (int, error) {
	limit, ok, err := p.tracker.Limit(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := p.seedLimit(ctx, campaignID); err != nil {
			return 0, err
		}
		limit, _, err = p.tracker.Limit(ctx, campaignID)
		if err != nil {
			return 0, err
		}
	}
	occupied, err := p.tracker.ActiveCalls(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	reserved, err := p.tracker.Reserved(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return limit - int(occupied) - int(reserved), nil
}

func (p *Promoter) seedLimit(ctx context.Context, campaignID string) error {
	c, err := p.repo.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	return p.tracker.SetLimit(ctx, campaignID, c.ConcurrentCallsLimit)
}

// nextEntry drains the high lane before normal, except that a normal-lane
// head older than the aging threshold jumps ahead so low-priority jobs never
// starve behind a stream of high-priority arrivals.
func (p *Promoter) nextEntry(ctx context.Context, k slots.Keys) (*popEntry, error) {
	age, hasNormal, err := p.service.peekHeadAge(ctx, k, queue.OriginNormal)
	if err != nil {
		return nil, err
	}
	if hasNormal && age > time.Duration(p.agingMs)*time.Millisecond {
		return p.service.pop(ctx, k, queue.OriginNormal)
	}

	entry, err := p.service.pop(ctx, k, queue.OriginHigh)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}
	if !hasNormal {
		return nil, nil
	}
	return p.service.pop(ctx, k, queue.OriginNormal)
}

// publishBackoff announces that promotion hit saturation or a pause, so
// listeners stop re-triggering promotion until the next release.
func (p *Promoter) publishBackoff(ctx context.Context, k slots.Keys) error {
	return p.kv.Publish(ctx, k.PausedChannel(), "backoff")
}

// releaseMutex deletes the promote-mutex only when the token still matches,
// so a pass that overran the TTL cannot strip a successor's mutex.
func (p *Promoter) releaseMutex(ctx context.Context, k slots.Keys, token string) {
	if _, err := p.kv.Run(ctx, releaseMutexScript, []string{k.PromoteMutex()}, token); err != nil {
		log.Printf("[Promoter] Error releasing mutex %s: %v", k.PromoteMutex(), err)
	}
}

var releaseMutexScript = kv.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// campaignFromChannel extracts the id from "campaign:<id>:slot-available".
func campaignFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "campaign" {
		return ""
	}
	return parts[1]
}
