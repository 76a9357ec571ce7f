package discovery

import (
	"sort"
	"sync"

	"alacrite/models"
)

// UpsertResult reports what InsertOrUpdate did with a PeerInfo.
type UpsertResult int

const (
	// UpsertIgnored means the entry was the local process itself.
	UpsertIgnored UpsertResult = iota
	// UpsertInserted means the peer was not known before.
	UpsertInserted
	// UpsertRefreshed means an existing entry was updated.
	UpsertRefreshed
)

// Registry is the process-local set of known peers keyed by peer ID.
//
// It never stores the local process and never evicts entries.
type Registry struct {
	selfID string

	mu    sync.RWMutex
	peers map[string]models.PeerInfo
}

// NewRegistry returns an empty registry that excludes selfID.
func NewRegistry(selfID string) *Registry {
	return &Registry{
		selfID: selfID,
		peers:  make(map[string]models.PeerInfo),
	}
}

// InsertOrUpdate stores peer, keeping the later LastSeen of the old and new entry.
func (r *Registry) InsertOrUpdate(peer models.PeerInfo) UpsertResult {
	if peer.ID == "" || peer.ID == r.selfID {
		return UpsertIgnored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[peer.ID]
	if ok && existing.LastSeen > peer.LastSeen {
		peer.LastSeen = existing.LastSeen
	}
	r.peers[peer.ID] = peer
	if ok {
		return UpsertRefreshed
	}
	return UpsertInserted
}

// Get returns the entry for id, if known.
func (r *Registry) Get(id string) (models.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a copy of all known peers, most recently seen first.
func (r *Registry) Snapshot() []models.PeerInfo {
	r.mu.RLock()
	out := make([]models.PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen == out[j].LastSeen {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out
}
