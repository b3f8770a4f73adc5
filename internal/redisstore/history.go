// Package redisstore keeps run-history records in Redis for deployments that
// want the remote history tier without a SQL database.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"codeflow/api/internal/store"
	"codeflow/api/internal/util"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "codeflow:"

// entry is the stored form of a record. The owner is kept alongside so a
// delete by id can find the per-user index.
type entry struct {
	UserID    string    `json:"user_id"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	Title     string    `json:"title,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// HistoryStore implements remote.HistoryStore. Each record lives under its own
// key; a sorted set per user indexes ids by timestamp.
type HistoryStore struct {
	client *redis.Client
	prefix string
}

// NewHistoryStore dials redisURL and verifies the connection.
func NewHistoryStore(ctx context.Context, redisURL string) (*HistoryStore, error) {
	s, err := Dial(redisURL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return s, nil
}

// Dial builds a store without touching the network. The client connects
// lazily, so a store created while Redis is down starts working once it is up.
func Dial(redisURL string) (*HistoryStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewHistoryStoreWithClient(redis.NewClient(opts)), nil
}

func NewHistoryStoreWithClient(client *redis.Client) *HistoryStore {
	return &HistoryStore{client: client, prefix: defaultPrefix}
}

func (s *HistoryStore) recordKey(id string) string {
	return s.prefix + "history:rec:" + id
}

func (s *HistoryStore) userKey(userID string) string {
	return s.prefix + "history:user:" + userID
}

// WriteRecord stores draft with a server-assigned id and the Redis server clock.
func (s *HistoryStore) WriteRecord(ctx context.Context, userID string, draft store.HistoryDraft) (store.HistoryRecord, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return store.HistoryRecord{}, fmt.Errorf("read redis clock: %w", err)
	}
	e := entry{
		UserID:    userID,
		ID:        util.NewID("hist"),
		Timestamp: now.UTC(),
		Language:  draft.Language,
		Code:      draft.Code,
		Title:     draft.Title,
		Comment:   draft.Comment,
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return store.HistoryRecord{}, fmt.Errorf("marshal history record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(e.ID), payload, 0)
		pipe.ZAdd(ctx, s.userKey(userID), redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: e.ID})
		return nil
	})
	if err != nil {
		return store.HistoryRecord{}, fmt.Errorf("save history record: %w", err)
	}
	return e.record(), nil
}

// QueryAllByUser returns the user's records newest first. Index entries whose
// record key has vanished are skipped.
func (s *HistoryStore) QueryAllByUser(ctx context.Context, userID string) ([]store.HistoryRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history index: %w", err)
	}
	records := make([]store.HistoryRecord, 0, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load history records: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal history record: %w", err)
		}
		records = append(records, e.record())
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// DeleteByID removes one of userID's records. An unknown id, or one owned by
// another user, is not an error and deletes nothing.
func (s *HistoryStore) DeleteByID(ctx context.Context, userID, id string) error {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup history record %s: %w", id, err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return fmt.Errorf("unmarshal history record: %w", err)
	}
	if e.UserID != userID {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.userKey(e.UserID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete history record %s: %w", id, err)
	}
	return nil
}

func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *HistoryStore) Close() error {
	return s.client.Close()
}

func (e entry) record() store.HistoryRecord {
	return store.HistoryRecord{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Language:  e.Language,
		Code:      e.Code,
		Title:     e.Title,
		Comment:   e.Comment,
		Origin:    store.OriginCloudConfirmed,
	}
}
