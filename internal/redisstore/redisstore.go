// Package redisstore keeps public stage documents in Redis and updates them
// with WATCH/MULTI optimistic transactions.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"dlab/internal/domain"
	"dlab/internal/events"
	"dlab/internal/store"
)

const (
	defaultPrefix      = "dlab"
	defaultMaxAttempts = 16
)

type Store struct {
	rdb         *redis.Client
	prefix      string
	maxAttempts int
	now         func() time.Time
}

var _ store.PublicStageDataStore = (*Store)(nil)

type Option func(*Store)

func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithMaxAttempts(n int) Option { return func(s *Store) { s.maxAttempts = n } }

func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix, maxAttempts: defaultMaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

func (s *Store) docKey(k domain.StageKey) string {
	return fmt.Sprintf("%s:experiment:%s:cohort:%s:stage:%s", s.prefix, k.ExperimentID, k.CohortID, k.StageID)
}

func (s *Store) indexKey(experimentID string) string {
	return fmt.Sprintf("%s:experiment:%s:stages", s.prefix, experimentID)
}

func (s *Store) streamKey(experimentID string) string {
	return fmt.Sprintf("%s:experiment:%s:events", s.prefix, experimentID)
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) InitPublicStageData(ctx context.Context, doc domain.PublicStageData) (bool, error) {
	doc.Version = 1
	doc.UpdatedAt = s.stamp()
	data, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.docKey(doc.Key()), data, 0)
		pipe.SAdd(ctx, s.indexKey(doc.ExperimentID), memberOf(doc.Key()))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("init public stage data: %w", err)
	}
	return created.Val(), nil
}

func (s *Store) GetPublicStageData(ctx context.Context, key domain.StageKey) (domain.PublicStageData, error) {
	data, err := s.rdb.Get(ctx, s.docKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PublicStageData{}, store.ErrNotFound
	}
	if err != nil {
		return domain.PublicStageData{}, err
	}
	return decode(data)
}

func (s *Store) ListPublicStageData(ctx context.Context, experimentID string, kind domain.StageKind) ([]domain.PublicStageData, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey(experimentID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		var k domain.StageKey
		if err := json.Unmarshal([]byte(m), &k); err != nil {
			return nil, fmt.Errorf("bad stage index member %q: %w", m, err)
		}
		keys[i] = s.docKey(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var res []domain.PublicStageData
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if kind != "" && doc.Kind != kind {
			continue
		}
		res = append(res, doc)
	}
	return res, nil
}

// UpdatePublicStageData watches the document, applies fn and writes the
// result together with fn's events in one MULTI. A concurrent write aborts
// the MULTI and fn runs again on the fresh document.
func (s *Store) UpdatePublicStageData(ctx context.Context, key domain.StageKey, fn store.UpdateFunc) (domain.PublicStageData, error) {
	k := s.docKey(key)
	var result domain.PublicStageData
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		doc, err := decode(data)
		if err != nil {
			return err
		}
		version := doc.Version
		before, err := snapshot(doc)
		if err != nil {
			return err
		}
		drafts, err := fn(&doc)
		if err != nil {
			return err
		}
		doc.ExperimentID, doc.CohortID, doc.StageID = key.ExperimentID, key.CohortID, key.StageID
		after, err := snapshot(doc)
		if err != nil {
			return err
		}
		if bytes.Equal(before, after) && len(drafts) == 0 {
			doc.Version = version
			result = doc
			return nil
		}
		doc.Version = version + 1
		doc.UpdatedAt = s.stamp()
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, out, 0)
			for _, d := range drafts {
				values, err := s.streamValues(d)
				if err != nil {
					return err
				}
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.streamKey(key.ExperimentID), Values: values})
			}
			return nil
		})
		if err == nil {
			result = doc
		}
		return err
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.PublicStageData{}, err
	}
	return domain.PublicStageData{}, fmt.Errorf("%w: %s", store.ErrConflict, key)
}

func (s *Store) streamValues(d events.Draft) (map[string]any, error) {
	payload, err := d.PayloadJSON()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ts":          s.stamp(),
		"type":        d.Type,
		"entity_kind": d.EntityKind,
		"entity_id":   d.EntityID,
		"actor_id":    d.ActorID,
		"payload":     payload,
	}, nil
}

// Events returns up to limit of the newest events for an experiment,
// newest first. Stream events carry their stream id in StreamID and have no
// numeric ID.
func (s *Store) Events(ctx context.Context, experimentID string, limit int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.rdb.XRevRangeN(ctx, s.streamKey(experimentID), "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		e := domain.Event{ExperimentID: experimentID, StreamID: m.ID}
		e.TS, _ = m.Values["ts"].(string)
		e.Type, _ = m.Values["type"].(string)
		e.EntityKind, _ = m.Values["entity_kind"].(string)
		e.EntityID, _ = m.Values["entity_id"].(string)
		e.ActorID, _ = m.Values["actor_id"].(string)
		e.Payload, _ = m.Values["payload"].(string)
		res = append(res, e)
	}
	return res, nil
}

func memberOf(k domain.StageKey) string {
	b, _ := json.Marshal(k)
	return string(b)
}

func decode(data []byte) (domain.PublicStageData, error) {
	var doc domain.PublicStageData
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode public stage data: %w", err)
	}
	return doc, nil
}

func snapshot(doc domain.PublicStageData) ([]byte, error) {
	doc.Version = 0
	doc.UpdatedAt = ""
	return json.Marshal(doc)
}
