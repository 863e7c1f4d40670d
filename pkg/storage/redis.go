package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const scanChunk = 500

// RedisStore implements Store using Redis with sorted-set time indexes.
//
// Every entry lives under two string keys, the summary and its payloads, so
// listings never pull payload bytes. Index members are "<inverted seq>:<id>":
// Redis orders equal scores lexicographically, and the inversion makes
// ZREVRANGEBYSCORE return equal timestamps in insertion order.
type RedisStore struct {
	rdb    *cache.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed storage
func NewRedisStore(rdb *cache.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "supplierlog"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (s *RedisStore) logKey(id string) string     { return fmt.Sprintf("%s:log:%s", s.prefix, id) }
func (s *RedisStore) payloadKey(id string) string { return fmt.Sprintf("%s:log:%s:payload", s.prefix, id) }
func (s *RedisStore) seqKey() string              { return s.prefix + ":seq" }
func (s *RedisStore) timelineKey() string         { return s.prefix + ":idx:timeline" }
func (s *RedisStore) errorsKey() string           { return s.prefix + ":idx:errors" }

func (s *RedisStore) supplierKey(supplier string, errorsOnly bool) string {
	key := fmt.Sprintf("%s:idx:supplier:%s", s.prefix, supplier)
	if errorsOnly {
		key += ":errors"
	}
	return key
}

func (s *RedisStore) traceKey(traceID string) string {
	return fmt.Sprintf("%s:idx:trace:%s", s.prefix, traceID)
}

// indexesFor lists every sorted set an entry belongs to
func (s *RedisStore) indexesFor(log *APICallLog) []string {
	keys := []string{s.timelineKey(), s.supplierKey(log.SupplierName, false)}
	if log.IsError() {
		keys = append(keys, s.errorsKey(), s.supplierKey(log.SupplierName, true))
	}
	if log.TraceID != "" {
		keys = append(keys, s.traceKey(log.TraceID))
	}
	return keys
}

func indexMember(seq int64, id string) string {
	return fmt.Sprintf("%019d:%s", math.MaxInt64-seq, id)
}

func memberID(member string) string {
	if _, id, ok := strings.Cut(member, ":"); ok {
		return id
	}
	return member
}

// SaveCallLog stores a call log and adds it to the time-series indexes
func (s *RedisStore) SaveCallLog(ctx context.Context, log *APICallLog) error {
	seq, err := s.rdb.Redis().Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return persistenceErr("allocate sequence", err)
	}
	log.Seq = seq

	summary, err := json.Marshal(log.Summary())
	if err != nil {
		return persistenceErr("encode summary", err)
	}
	payload, err := json.Marshal(log.Payloads())
	if err != nil {
		return persistenceErr("encode payload", err)
	}

	z := redis.Z{
		Score:  float64(toMicros(log.RequestTimestamp)),
		Member: indexMember(seq, log.ID),
	}

	_, err = s.rdb.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.logKey(log.ID), summary, 0)
		pipe.Set(ctx, s.payloadKey(log.ID), payload, 0)
		for _, idx := range s.indexesFor(log) {
			pipe.ZAdd(ctx, idx, z)
		}
		return nil
	})
	return persistenceErr("save call log", err)
}

// GetCallLog retrieves a single log with its payloads
func (s *RedisStore) GetCallLog(ctx context.Context, id string) (*APICallLog, error) {
	vals, err := s.rdb.Redis().MGet(ctx, s.logKey(id), s.payloadKey(id)).Result()
	if err != nil {
		return nil, persistenceErr("get call log", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}

	var log APICallLog
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return nil, persistenceErr("decode summary", err)
	}
	if rawPayload, ok := vals[1].(string); ok {
		var p Payloads
		if err := json.Unmarshal([]byte(rawPayload), &p); err != nil {
			return nil, persistenceErr("decode payload", err)
		}
		log.SetPayloads(p)
	}

	return &log, nil
}

// ListCallLogs queries one page of summaries with filters
func (s *RedisStore) ListCallLogs(ctx context.Context, filters LogFilters) ([]*APICallLog, int, error) {
	// Determine which index to use
	var indexKey string
	switch {
	case filters.Supplier != "":
		indexKey = s.supplierKey(filters.Supplier, filters.ErrorsOnly)
	case filters.ErrorsOnly:
		indexKey = s.errorsKey()
	default:
		indexKey = s.timelineKey()
	}

	minScore, maxScore := "-inf", "+inf"
	if !filters.From.IsZero() {
		minScore = strconv.FormatInt(toMicros(filters.From), 10)
	}
	if !filters.To.IsZero() {
		maxScore = strconv.FormatInt(toMicros(filters.To), 10)
	}

	total, err := s.rdb.Redis().ZCount(ctx, indexKey, minScore, maxScore).Result()
	if err != nil {
		return nil, 0, persistenceErr("count call logs", err)
	}
	if filters.Limit <= 0 || int64(filters.Offset) >= total {
		return []*APICallLog{}, int(total), nil
	}

	members, err := s.rdb.Redis().ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:    minScore,
		Max:    maxScore,
		Offset: int64(filters.Offset),
		Count:  int64(filters.Limit),
	}).Result()
	if err != nil {
		return nil, 0, persistenceErr("list call logs", err)
	}

	logs, err := s.loadSummaries(ctx, members)
	if err != nil {
		return nil, 0, err
	}
	return compact(logs), int(total), nil
}

// ListByTrace returns every summary for one trace id, oldest first
func (s *RedisStore) ListByTrace(ctx context.Context, traceID string) ([]*APICallLog, error) {
	members, err := s.rdb.Redis().ZRange(ctx, s.traceKey(traceID), 0, -1).Result()
	if err != nil {
		return nil, persistenceErr("list trace", err)
	}
	logs, err := s.loadSummaries(ctx, members)
	if err != nil {
		return nil, err
	}
	logs = compact(logs)
	sort.Slice(logs, func(i, j int) bool { return olderFirst(logs[i], logs[j]) })
	return logs, nil
}

// ScanCallLogs walks the global timeline in chunks
func (s *RedisStore) ScanCallLogs(ctx context.Context, fn func(*APICallLog) error) error {
	for start := int64(0); ; start += scanChunk {
		members, err := s.rdb.Redis().ZRange(ctx, s.timelineKey(), start, start+scanChunk-1).Result()
		if err != nil {
			return persistenceErr("scan call logs", err)
		}
		logs, err := s.loadSummaries(ctx, members)
		if err != nil {
			return err
		}
		for _, log := range logs {
			if log == nil {
				continue
			}
			if err := fn(log); err != nil {
				return err
			}
		}
		if len(members) < scanChunk {
			return nil
		}
	}
}

// DeleteCallLogsBefore removes one batch of expired entries inside a MULTI/EXEC
// transaction and reports the entries that were actually deleted.
func (s *RedisStore) DeleteCallLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*APICallLog, error) {
	members, err := s.rdb.Redis().ZRangeByScore(ctx, s.timelineKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(toMicros(cutoff), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, persistenceErr("select expired call logs", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	summaries, err := s.loadSummaries(ctx, members)
	if err != nil {
		return nil, err
	}

	dels := make([]*redis.IntCmd, len(members))
	_, err = s.rdb.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			id := memberID(member)
			dels[i] = pipe.Del(ctx, s.logKey(id))
			pipe.Del(ctx, s.payloadKey(id))
			pipe.ZRem(ctx, s.timelineKey(), member)
			if summaries[i] == nil {
				continue
			}
			for _, idx := range s.indexesFor(summaries[i]) {
				pipe.ZRem(ctx, idx, member)
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistenceErr("delete call logs", err)
	}

	deleted := make([]*APICallLog, 0, len(members))
	for i, cmd := range dels {
		if summaries[i] != nil && cmd.Val() == 1 {
			deleted = append(deleted, summaries[i])
		}
	}
	return deleted, nil
}

// loadSummaries fetches summaries for index members. The result is aligned
// with members; entries deleted in the meantime are nil.
func (s *RedisStore) loadSummaries(ctx context.Context, members []string) ([]*APICallLog, error) {
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = s.logKey(memberID(member))
	}

	vals, err := s.rdb.Redis().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistenceErr("load summaries", err)
	}

	logs := make([]*APICallLog, len(vals))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			continue
		}
		var log APICallLog
		if err := json.Unmarshal([]byte(raw), &log); err != nil {
			return nil, persistenceErr("decode summary", err)
		}
		logs[i] = &log
	}
	return logs, nil
}

func compact(logs []*APICallLog) []*APICallLog {
	out := make([]*APICallLog, 0, len(logs))
	for _, log := range logs {
		if log != nil {
			out = append(out, log)
		}
	}
	return out
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return persistenceErr("ping", s.rdb.Ping(ctx))
}

// Close closes the Redis connection pool
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
