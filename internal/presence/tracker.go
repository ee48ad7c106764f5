package presence

import (
	"context"
	"log"
	"time"

	"messaging-service/internal/models"
)

// DefaultOnlineWindow is how fresh a heartbeat must be to count as online.
const DefaultOnlineWindow = 5 * time.Minute

// Tracker derives online state from heartbeat freshness and keeps the local
// user's heartbeat alive.
type Tracker struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewTracker builds a Tracker. window <= 0 falls back to the default.
func NewTracker(store Store, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	return &Tracker{store: store, window: window, now: time.Now}
}

// Heartbeat records activity for the user.
func (t *Tracker) Heartbeat(ctx context.Context, userID int) error {
	return t.store.Touch(ctx, userID, t.now())
}

// RunHeartbeat touches the user on the given interval until ctx is done.
// Failures are logged and retried on the next tick.
func (t *Tracker) RunHeartbeat(ctx context.Context, userID int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := t.Heartbeat(ctx, userID); err != nil {
		log.Printf("presence heartbeat user=%d: %v", userID, err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Heartbeat(ctx, userID); err != nil {
				log.Printf("presence heartbeat user=%d: %v", userID, err)
			}
		}
	}
}

// Online resolves heartbeats for the given profiles and returns the subset
// currently online, last_active filled in.
func (t *Tracker) Online(ctx context.Context, profiles []models.ProfileSnapshot) ([]models.ProfileSnapshot, error) {
	ids := make([]int, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	lastActive, err := t.store.LastActive(ctx, ids)
	if err != nil {
		return nil, err
	}

	annotated := make([]models.ProfileSnapshot, 0, len(profiles))
	for _, p := range profiles {
		if seen, ok := lastActive[p.ID]; ok {
			p.LastActive = seen
			annotated = append(annotated, p)
		}
	}
	return ComputeOnline(annotated, t.window, t.now()), nil
}

// ComputeOnline filters to profiles whose heartbeat is fresher than the
// window.
func ComputeOnline(profiles []models.ProfileSnapshot, window time.Duration, now time.Time) []models.ProfileSnapshot {
	online := make([]models.ProfileSnapshot, 0, len(profiles))
	for _, p := range profiles {
		if now.Sub(p.LastActive) < window {
			online = append(online, p)
		}
	}
	return online
}

// RefreshOnlineList merges a freshly fetched online set into the previously
// displayed one: entries already shown keep their relative order, new
// entries append, vanished entries drop. Purely a display-stability
// heuristic; the underlying query has no ordering guarantee across polls.
func RefreshOnlineList(previous, fetched []models.ProfileSnapshot) []models.ProfileSnapshot {
	byID := make(map[int]models.ProfileSnapshot, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	merged := make([]models.ProfileSnapshot, 0, len(fetched))
	for _, p := range previous {
		if fresh, ok := byID[p.ID]; ok {
			merged = append(merged, fresh)
			delete(byID, p.ID)
		}
	}
	for _, p := range fetched {
		if _, pending := byID[p.ID]; pending {
			merged = append(merged, p)
			delete(byID, p.ID)
		}
	}
	return merged
}
