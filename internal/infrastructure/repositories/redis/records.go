package redis

import (
	"context"
	"encoding/json"
	"time"

	"vigilnet/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// keyspace builds every key under one prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: prefix}
}

func (k keyspace) node(id string) string { return k.prefix + "node:" + id }
func (k keyspace) nodeAddr(name, ip string) string {
	return k.prefix + "node:addr:" + name + "|" + ip
}
func (k keyspace) nodeSet() string          { return k.prefix + "nodes" }
func (k keyspace) session(id string) string { return k.prefix + "session:" + id }
func (k keyspace) sessionsByStatus(status domain.SessionStatus) string {
	return k.prefix + "sessions:status:" + string(status)
}
func (k keyspace) sessionsByNode(nodeID domain.NodeID) string {
	return k.prefix + "sessions:node:" + string(nodeID)
}

type nodeRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IP             string    `json:"ip"`
	MediaPort      int       `json:"media_port"`
	APIKeyHash     string    `json:"api_key_hash"`
	Status         string    `json:"status"`
	ReportedStatus string    `json:"reported_status,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`
}

func toNodeRecord(n *domain.Node) nodeRecord {
	return nodeRecord{
		ID:             string(n.ID),
		Name:           n.Name,
		IP:             n.IP,
		MediaPort:      n.MediaPort,
		APIKeyHash:     n.APIKeyHash,
		Status:         string(n.Status),
		ReportedStatus: string(n.ReportedStatus),
		LastHeartbeat:  n.LastHeartbeat,
		RegisteredAt:   n.RegisteredAt,
	}
}

func (r nodeRecord) toDomain() *domain.Node {
	return &domain.Node{
		ID:             domain.NodeID(r.ID),
		Name:           r.Name,
		IP:             r.IP,
		MediaPort:      r.MediaPort,
		APIKeyHash:     r.APIKeyHash,
		Status:         domain.NodeStatus(r.Status),
		ReportedStatus: domain.ReportedStatus(r.ReportedStatus),
		LastHeartbeat:  r.LastHeartbeat,
		RegisteredAt:   r.RegisteredAt,
	}
}

type sessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CameraID  string    `json:"camera_id"`
	NodeID    string    `json:"node_id"`
	Profile   string    `json:"profile"`
	StreamURL string    `json:"stream_url,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

func toSessionRecord(s *domain.LiveSession) sessionRecord {
	return sessionRecord{
		ID:        string(s.ID),
		UserID:    string(s.UserID),
		CameraID:  string(s.CameraID),
		NodeID:    string(s.NodeID),
		Profile:   s.Profile,
		StreamURL: s.StreamURL,
		Status:    string(s.Status),
		Reason:    s.Reason,
		PeerID:    string(s.PeerID),
		StartedAt: s.StartedAt,
		ExpiresAt: s.ExpiresAt,
		EndedAt:   s.EndedAt,
	}
}

func (r sessionRecord) toDomain() *domain.LiveSession {
	return &domain.LiveSession{
		ID:        domain.SessionID(r.ID),
		UserID:    domain.UserID(r.UserID),
		CameraID:  domain.CameraID(r.CameraID),
		NodeID:    domain.NodeID(r.NodeID),
		Profile:   r.Profile,
		StreamURL: r.StreamURL,
		Status:    domain.SessionStatus(r.Status),
		Reason:    r.Reason,
		PeerID:    domain.PeerID(r.PeerID),
		StartedAt: r.StartedAt,
		ExpiresAt: r.ExpiresAt,
		EndedAt:   r.EndedAt,
	}
}

// getJSON loads and decodes one key. A missing key returns redis.Nil.
func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (T, error) {
	var out T
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// mgetJSON decodes the keys that still exist, skipping missing ones.
func mgetJSON[T any](ctx context.Context, c redis.Cmdable, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
