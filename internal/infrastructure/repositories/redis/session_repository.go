package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// terminalRetention is how long ended sessions stay readable.
const terminalRetention = 24 * time.Hour

var errSessionExists = errors.New("session already exists")

type RedisSessionRepository struct {
	client redis.UniversalClient
	keys   keyspace
}

func NewRedisSessionRepository(client redis.UniversalClient, prefix string) ports.SessionRepository {
	return &RedisSessionRepository{client: client, keys: newKeyspace(prefix)}
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.LiveSession) error {
	data, err := json.Marshal(toSessionRecord(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.keys.session(string(session.ID)), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !created {
		return errSessionExists
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if !session.Status.IsTerminal() {
			pipe.SAdd(ctx, r.keys.sessionsByStatus(session.Status), string(session.ID))
			pipe.SAdd(ctx, r.keys.sessionsByNode(session.NodeID), string(session.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.LiveSession, error) {
	rec, err := getJSON[sessionRecord](ctx, r.client, r.keys.session(string(id)))
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	return rec.toDomain(), nil
}

// Update applies fn under WATCH and moves the session between status
// indexes in the same transaction. Terminal sessions get a retention TTL
// and leave the node index.
func (r *RedisSessionRepository) Update(ctx context.Context, id domain.SessionID, fn func(*domain.LiveSession) error) (*domain.LiveSession, error) {
	key := r.keys.session(string(id))
	var updated *domain.LiveSession

	txf := func(tx *redis.Tx) error {
		rec, err := getJSON[sessionRecord](ctx, tx, key)
		if err == redis.Nil {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		session := rec.toDomain()
		previous := session.Status
		if err := fn(session); err != nil {
			return err
		}
		session.ID, session.UserID = domain.SessionID(rec.ID), domain.UserID(rec.UserID)
		session.CameraID, session.NodeID = domain.CameraID(rec.CameraID), domain.NodeID(rec.NodeID)

		data, err := json.Marshal(toSessionRecord(session))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if session.Status.IsTerminal() {
				ttl = terminalRetention
			}
			pipe.Set(ctx, key, data, ttl)
			if previous != session.Status {
				pipe.SRem(ctx, r.keys.sessionsByStatus(previous), string(id))
				// Terminal sessions are only reachable by id until they expire.
				if !session.Status.IsTerminal() {
					pipe.SAdd(ctx, r.keys.sessionsByStatus(session.Status), string(id))
				}
			}
			if session.Status.IsTerminal() {
				pipe.SRem(ctx, r.keys.sessionsByNode(session.NodeID), string(id))
			}
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("session %s update contended", id)
}

func (r *RedisSessionRepository) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.LiveSession, error) {
	return r.listIndex(ctx, r.keys.sessionsByStatus(status), func(s *domain.LiveSession) bool {
		return s.Status == status
	})
}

func (r *RedisSessionRepository) ListByNode(ctx context.Context, nodeID domain.NodeID) ([]*domain.LiveSession, error) {
	return r.listIndex(ctx, r.keys.sessionsByNode(nodeID), func(s *domain.LiveSession) bool {
		return s.NodeID == nodeID
	})
}

// listIndex loads the sessions named by an index set. Ids whose record
// expired are pruned from the set.
func (r *RedisSessionRepository) listIndex(ctx context.Context, indexKey string, keep func(*domain.LiveSession) bool) ([]*domain.LiveSession, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keys.session(id)
	}
	recs, err := mgetJSON[sessionRecord](ctx, r.client, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	found := make(map[string]bool, len(recs))
	sessions := make([]*domain.LiveSession, 0, len(recs))
	for _, rec := range recs {
		found[rec.ID] = true
		s := rec.toDomain()
		if keep(s) {
			sessions = append(sessions, s)
		}
	}

	var stale []interface{}
	for _, id := range ids {
		if !found[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, indexKey, stale...)
	}
	return sessions, nil
}
