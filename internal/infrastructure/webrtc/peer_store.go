package webrtc

import (
	"hash/fnv"
	"sync"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"go.uber.org/zap"
)

const peerShards = 16

type peerShard struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*domain.PeerRuntime
}

// PeerStore tracks active real-time peers. Entries are removed under the
// shard lock; the task abort and transport close run after it is released,
// so a slow close never blocks other peers.
type PeerStore struct {
	shards [peerShards]*peerShard
	logger *zap.SugaredLogger
}

var _ ports.PeerStore = (*PeerStore)(nil)

func NewPeerStore(logger *zap.SugaredLogger) *PeerStore {
	s := &PeerStore{logger: logger}
	for i := range s.shards {
		s.shards[i] = &peerShard{peers: make(map[domain.PeerID]*domain.PeerRuntime)}
	}
	return s
}

func (s *PeerStore) shard(id domain.PeerID) *peerShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%peerShards]
}

// Insert adds a runtime. A peer id already present is an error and leaves
// the existing runtime untouched.
func (s *PeerStore) Insert(rt *domain.PeerRuntime) error {
	if rt == nil || rt.Transport == nil || rt.Task == nil {
		return domain.ErrIncompletePeer
	}
	sh := s.shard(rt.PeerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.peers[rt.PeerID]; ok {
		return domain.ErrPeerExists
	}
	sh.peers[rt.PeerID] = rt
	return nil
}

// Remove detaches the runtime and tears it down. Only the caller that
// actually removed the entry performs teardown, so concurrent removals close
// the transport exactly once.
func (s *PeerStore) Remove(id domain.PeerID) (*domain.PeerRuntime, bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	rt, ok := sh.peers[id]
	if ok {
		delete(sh.peers, id)
	}
	sh.mu.Unlock()

	if !ok {
		return nil, false
	}
	s.teardown(rt)
	return rt, true
}

func (s *PeerStore) teardown(rt *domain.PeerRuntime) {
	rt.Task.Abort()
	if err := rt.Transport.Close(); err != nil {
		s.logger.Warnw("failed to close peer transport",
			"peer_id", rt.PeerID,
			"camera_id", rt.CameraID,
			"error", err,
		)
	}
	s.logger.Debugw("peer removed", "peer_id", rt.PeerID, "rtp_port", rt.RTPPort)
}

func (s *PeerStore) Contains(id domain.PeerID) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.peers[id]
	return ok
}

func (s *PeerStore) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.peers)
		sh.mu.Unlock()
	}
	return n
}

// CleanupAll drains every shard and tears the runtimes down. It returns the
// number of peers removed.
func (s *PeerStore) CleanupAll() int {
	var drained []*domain.PeerRuntime
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rt := range sh.peers {
			drained = append(drained, rt)
			delete(sh.peers, id)
		}
		sh.mu.Unlock()
	}

	for _, rt := range drained {
		s.teardown(rt)
	}
	if len(drained) > 0 {
		s.logger.Infow("peer runtime drained", "peers", len(drained))
	}
	return len(drained)
}
