package talentwire

import (
	"sync"

	"go.uber.org/zap"
)

// PresenceTracker maps counterpart actors to online/offline. It is seeded from
// the presence snapshots embedded in a conversation list and kept current by
// peer:online / peer:offline events. Liveness is push-only: a missed offline
// event leaves a peer stale until the next snapshot, which is an accepted
// degradation.
//
// A tracker only follows the type opposite the local actor. Events for the
// local actor's own type are discarded so a session never appears to track
// its own peer group.
type PresenceTracker struct {
	counterpart ActorType
	logger      *zap.Logger

	mu     sync.RWMutex
	online map[string]bool
}

// NewPresenceTracker creates a tracker for the counterparts of localType.
func NewPresenceTracker(localType ActorType, logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceTracker{
		counterpart: localType.Counterpart(),
		logger:      logger,
		online:      make(map[string]bool),
	}
}

// Bind attaches the tracker to a connection's presence events.
func (p *PresenceTracker) Bind(conn *Conn) {
	conn.OnPeerPresence(func(ev PeerPresencePayload, online bool) {
		p.Apply(ev.Type, string(ev.ID), online)
	})
}

// Seed rebuilds the map from conversation snapshots, taking only the
// counterpart side of each conversation.
func (p *PresenceTracker) Seed(conversations []Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[string]bool, len(conversations))
	for _, c := range conversations {
		var peer Participant
		if p.counterpart == ActorCompany {
			peer = c.Company
		} else {
			peer = c.User
		}
		if peer.ID == "" {
			continue
		}
		p.online[NormalizeID(peer.ID)] = peer.Online
	}
}

// Apply upserts a single presence transition. Same-type events are ignored.
func (p *PresenceTracker) Apply(actorType ActorType, id string, online bool) {
	if actorType != p.counterpart {
		p.logger.Debug("ignoring same-type presence event",
			zap.String("type", string(actorType)), zap.String("id", id))
		return
	}
	if id == "" {
		return
	}
	p.mu.Lock()
	p.online[NormalizeID(id)] = online
	p.mu.Unlock()
}

// IsOnline reports whether the given counterpart is currently online. Unknown
// actors and actors of the local type read as offline.
func (p *PresenceTracker) IsOnline(actorType ActorType, id string) bool {
	if actorType != p.counterpart {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[NormalizeID(id)]
}
