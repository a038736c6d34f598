package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries on contended keys.
const maxTxRetries = 16

type RedisNodeRepository struct {
	client redis.UniversalClient
	keys   keyspace
}

func NewRedisNodeRepository(client redis.UniversalClient, prefix string) ports.NodeRepository {
	return &RedisNodeRepository{client: client, keys: newKeyspace(prefix)}
}

// Create claims the name|ip index first, so two instances registering the
// same pair cannot both succeed.
func (r *RedisNodeRepository) Create(ctx context.Context, node *domain.Node) error {
	data, err := json.Marshal(toNodeRecord(node))
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	addrKey := r.keys.nodeAddr(node.Name, node.IP)
	claimed, err := r.client.SetNX(ctx, addrKey, string(node.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim node address: %w", err)
	}
	if !claimed {
		return domain.ErrNodeExists
	}

	created, err := r.client.SetNX(ctx, r.keys.node(string(node.ID)), data, 0).Result()
	if err != nil || !created {
		r.client.Del(ctx, addrKey)
		if err != nil {
			return fmt.Errorf("failed to store node: %w", err)
		}
		return domain.ErrNodeExists
	}

	if err := r.client.SAdd(ctx, r.keys.nodeSet(), string(node.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index node: %w", err)
	}
	return nil
}

func (r *RedisNodeRepository) GetByID(ctx context.Context, id domain.NodeID) (*domain.Node, error) {
	rec, err := getJSON[nodeRecord](ctx, r.client, r.keys.node(string(id)))
	if err == redis.Nil {
		return nil, domain.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node from Redis: %w", err)
	}
	return rec.toDomain(), nil
}

func (r *RedisNodeRepository) FindByNameIP(ctx context.Context, name, ip string) (*domain.Node, error) {
	id, err := r.client.Get(ctx, r.keys.nodeAddr(name, ip)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up node address: %w", err)
	}
	return r.GetByID(ctx, domain.NodeID(id))
}

// Update applies fn under WATCH, retrying when another writer got there
// first. Identity fields are restored after fn runs.
func (r *RedisNodeRepository) Update(ctx context.Context, id domain.NodeID, fn func(*domain.Node) error) (*domain.Node, error) {
	key := r.keys.node(string(id))
	var updated *domain.Node

	txf := func(tx *redis.Tx) error {
		rec, err := getJSON[nodeRecord](ctx, tx, key)
		if err == redis.Nil {
			return domain.ErrNodeNotFound
		}
		if err != nil {
			return err
		}

		node := rec.toDomain()
		if err := fn(node); err != nil {
			return err
		}
		node.ID, node.Name, node.IP = domain.NodeID(rec.ID), rec.Name, rec.IP

		data, err := json.Marshal(toNodeRecord(node))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = node
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
	return nil, fmt.Errorf("node %s update contended", id)
}

func (r *RedisNodeRepository) Delete(ctx context.Context, id domain.NodeID) error {
	node, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.node(string(id)))
		pipe.Del(ctx, r.keys.nodeAddr(node.Name, node.IP))
		pipe.SRem(ctx, r.keys.nodeSet(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete node from Redis: %w", err)
	}
	return nil
}

func (r *RedisNodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	ids, err := r.client.SMembers(ctx, r.keys.nodeSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.keys.node(id)
	}
	recs, err := mgetJSON[nodeRecord](ctx, r.client, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	nodes := make([]*domain.Node, 0, len(recs))
	for _, rec := range recs {
		nodes = append(nodes, rec.toDomain())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}
