package waitlist

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
)

// Service is the two-lane deferred-job store. Jobs that cannot obtain a slot
// wait here until a promotion signal or compactor tick moves them back to
// the main queue.
//
// List orientation: producers push on the left, the promoter pops on the
// right, so the right end is the head of the line. LIFO campaigns push on
// the right instead, jumping the line.
type Service struct {
	kv *kv.Coordinator
}

// NewService creates the waitlist store over the shared coordinator.
func NewService(coord *kv.Coordinator) *Service {
	return &Service{kv: coord}
}

// markerValue encodes "<origin>:<firstSeenUnixMs>".
func markerValue(origin string, ts time.Time) string {
	return origin + ":" + strconv.FormatInt(ts.UnixMilli(), 10)
}

func parseMarker(v string) (origin string, ts time.Time, ok bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return parts[0], time.UnixMilli(ms), true
}

func laneKey(k slots.Keys, origin string) string {
	if origin == queue.OriginHigh {
		return k.WaitlistHigh()
	}
	return k.WaitlistNormal()
}

// Push defers a job on the lane its origin selects. Duplicate pushes of a
// job already waiting are dropped. lifoHead places the job at the consuming
// end of the normal lane (lifo priority mode).
func (s *Service) Push(ctx context.Context, campaignID, jobID, origin string, lifoHead bool) (bool, error) {
	k := slots.NewKeys(campaignID)

	added, err := s.addSeen(ctx, k, jobID)
	if err != nil {
		return false, err
	}
	if !added {
		log.Printf("[Waitlist] Duplicate push dropped: campaign=%s job=%s", campaignID, jobID)
		return false, nil
	}

	now := time.Now()
	if err := s.kv.Set(ctx, k.WaitlistMarker(jobID), markerValue(origin, now), 0); err != nil {
		return false, err
	}
	// First-seen timestamp for aging; NX keeps the original on reissue.
	if err := s.addFairness(ctx, k, jobID, now); err != nil {
		return false, err
	}

	lane := laneKey(k, origin)
	if lifoHead && origin != queue.OriginHigh {
		err = s.kv.RPush(ctx, lane, jobID)
	} else {
		err = s.kv.LPush(ctx, lane, jobID)
	}
	return err == nil, err
}

// ReturnToHead puts a job back at the consuming end of its lane, keeping its
// original marker and fairness score when they survive. Used when a promoted
// job fails to reserve, and by reconcilers re-waitlisting orphans.
func (s *Service) ReturnToHead(ctx context.Context, campaignID, jobID, origin string) error {
	k := slots.NewKeys(campaignID)

	if _, err := s.addSeen(ctx, k, jobID); err != nil {
		return err
	}
	exists, err := s.kv.Exists(ctx, k.WaitlistMarker(jobID))
	if err != nil {
		return err
	}
	now := time.Now()
	if !exists {
		if err := s.kv.Set(ctx, k.WaitlistMarker(jobID), markerValue(origin, now), 0); err != nil {
			return err
		}
	}
	if err := s.addFairness(ctx, k, jobID, now); err != nil {
		return err
	}
	return s.kv.RPush(ctx, laneKey(k, origin), jobID)
}

// popEntry is a job pulled off a lane by the promoter.
type popEntry struct {
	JobID  string
	Origin string
}

// pop removes the head-of-line job from the given lane and clears its
// dedup marker and fairness entry.
func (s *Service) pop(ctx context.Context, k slots.Keys, origin string) (*popEntry, error) {
	jobID, ok, err := s.kv.RPop(ctx, laneKey(k, origin))
	if err != nil || !ok {
		return nil, err
	}
	if err := s.kv.SRem(ctx, k.WaitlistSeen(), jobID); err != nil {
		return nil, err
	}
	if err := s.kv.Del(ctx, k.WaitlistMarker(jobID)); err != nil {
		return nil, err
	}
	if err := s.kv.ZRem(ctx, k.Fairness(), jobID); err != nil {
		return nil, err
	}
	return &popEntry{JobID: jobID, Origin: origin}, nil
}

// peekHeadAge returns the first-seen age of the next job on a lane, or
// ok=false when the lane is empty.
func (s *Service) peekHeadAge(ctx context.Context, k slots.Keys, origin string) (time.Duration, bool, error) {
	head, err := s.kv.LRange(ctx, laneKey(k, origin), -1, -1)
	if err != nil || len(head) == 0 {
		return 0, false, err
	}
	score, found, err := s.kv.ZScore(ctx, k.Fairness(), head[0])
	if err != nil {
		return 0, false, err
	}
	if !found {
		// No fairness entry yet; treat as fresh.
		return 0, true, nil
	}
	return time.Since(time.UnixMilli(int64(score))), true, nil
}

// Lengths reports both lane depths.
func (s *Service) Lengths(ctx context.Context, campaignID string) (high, normal int64, err error) {
	k := slots.NewKeys(campaignID)
	high, err = s.kv.LLen(ctx, k.WaitlistHigh())
	if err != nil {
		return 0, 0, err
	}
	normal, err = s.kv.LLen(ctx, k.WaitlistNormal())
	return high, normal, err
}

// Drop removes a job from whichever lane holds it, along with its markers.
func (s *Service) Drop(ctx context.Context, campaignID, jobID string) error {
	k := slots.NewKeys(campaignID)
	if _, err := s.kv.LRem(ctx, k.WaitlistHigh(), 0, jobID); err != nil {
		return err
	}
	if _, err := s.kv.LRem(ctx, k.WaitlistNormal(), 0, jobID); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, k.WaitlistSeen(), jobID); err != nil {
		return err
	}
	if err := s.kv.ZRem(ctx, k.Fairness(), jobID); err != nil {
		return err
	}
	return s.kv.Del(ctx, k.WaitlistMarker(jobID))
}

func (s *Service) addSeen(ctx context.Context, k slots.Keys, jobID string) (bool, error) {
	// SADD returns the number of members actually added; 0 means duplicate.
	res, err := s.kv.Run(ctx, seenScript, []string{k.WaitlistSeen()}, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *Service) addFairness(ctx context.Context, k slots.Keys, jobID string, ts time.Time) error {
	_, err := s.kv.Run(ctx, fairnessScript, []string{k.Fairness()},
		jobID, fmt.Sprintf("%d", ts.UnixMilli()))
	return err
}

var seenScript = kv.NewScript(`return redis.call('SADD', KEYS[1], ARGV[1])`)

var fairnessScript = kv.NewScript(`return redis.call('ZADD', KEYS[1], 'NX', ARGV[2], ARGV[1])`)
