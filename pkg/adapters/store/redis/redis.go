// Package redis provides a RequestStore backed by Redis. Requests live as
// JSON values under requestflow:request:<id>; undispatched and open ids
// are tracked in sets so polling avoids key scans.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

const (
	requestKeyPrefix   = "requestflow:request:"
	classificationsKey = "requestflow:classifications:"
	pendingSetKey      = "requestflow:pending"
	openSetKey         = "requestflow:open"
)

// RequestStore implements ports.RequestStore on a Redis client.
type RequestStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRequestStore creates a Redis-backed request store.
func NewRequestStore(client *redis.Client, logger *zap.Logger) *RequestStore {
	return &RequestStore{
		client: client,
		logger: logger,
	}
}

// Ping verifies connectivity.
func (s *RequestStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Add inserts or replaces a request and marks it pending and open.
func (s *RequestStore) Add(ctx context.Context, req *ports.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, requestKey(req.ID), data, 0)
	pipe.SAdd(ctx, pendingSetKey, req.ID)
	pipe.SAdd(ctx, openSetKey, req.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// PendingRequests returns up to limit requests from the pending set.
func (s *RequestStore) PendingRequests(ctx context.Context, limit int) ([]*ports.Request, error) {
	ids, err := s.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return s.load(ctx, ids)
}

// MarkDispatched removes a request from the pending set and stamps its
// status.
func (s *RequestStore) MarkDispatched(ctx context.Context, id string) error {
	req, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	req.Status = "processing"

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, requestKey(id), data, 0)
	pipe.SRem(ctx, pendingSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark dispatched: %w", err)
	}

	s.logger.Debug("request dispatched", zap.String("request_id", id))
	return nil
}

// OpenRequests returns every request in the open set.
func (s *RequestStore) OpenRequests(ctx context.Context) ([]*ports.Request, error) {
	ids, err := s.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read open set: %w", err)
	}
	return s.load(ctx, ids)
}

// Close marks a request completed or cancelled and drops it from the
// pending and open sets.
func (s *RequestStore) Close(ctx context.Context, id, status string) error {
	req, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	req.Status = status

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, requestKey(id), data, 0)
	pipe.SRem(ctx, pendingSetKey, id)
	pipe.SRem(ctx, openSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to close request: %w", err)
	}
	return nil
}

// SaveClassifications appends classification results for a request.
func (s *RequestStore) SaveClassifications(ctx context.Context, requestID string, results []ports.Classification) error {
	if len(results) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal classification: %w", err)
		}
		values = append(values, data)
	}

	if err := s.client.RPush(ctx, classificationsKey+requestID, values...).Err(); err != nil {
		return fmt.Errorf("failed to save classifications: %w", err)
	}

	s.logger.Debug("classifications saved",
		zap.String("request_id", requestID),
		zap.Int("count", len(results)))
	return nil
}

// Classifications returns all stored results for a request.
func (s *RequestStore) Classifications(ctx context.Context, requestID string) ([]ports.Classification, error) {
	raw, err := s.client.LRange(ctx, classificationsKey+requestID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read classifications: %w", err)
	}

	out := make([]ports.Classification, 0, len(raw))
	for _, item := range raw {
		var c ports.Classification
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RequestStore) get(ctx context.Context, id string) (*ports.Request, error) {
	data, err := s.client.Get(ctx, requestKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	var req ports.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

func (s *RequestStore) load(ctx context.Context, ids []string) ([]*ports.Request, error) {
	reqs := make([]*ports.Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable request",
				zap.String("request_id", id),
				zap.Error(err))
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func requestKey(id string) string {
	return requestKeyPrefix + id
}

// ClientOptions holds connection and pool settings for NewClient.
type ClientOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient builds a Redis client from connection settings.
func NewClient(opts ClientOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
}
