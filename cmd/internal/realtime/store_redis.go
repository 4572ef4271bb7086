package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis.
//
// Layout (prefix defaults to "im"):
//   - <p>:msgs:<conv>    ZSET  score=timestamp member=message id
//   - <p>:body:<conv>    HASH  message id -> JSON body
//   - <p>:dedupe:<conv>  HASH  from\x00clientId -> message id
//   - <p>:convs:<user>   ZSET  score=last timestamp member=peer
//   - <p>:unread:<user>  HASH  peer -> count
//
// Appends run as one Lua script, so dedupe, timestamp allocation and retention are atomic.
// The client is owned by the caller.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention int
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore) error

// WithKeyPrefix sets the key namespace (default "im").
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) error {
		p = strings.TrimSpace(p)
		if p == "" || strings.ContainsAny(p, " \t\r\n") {
			return errors.New("realtime: invalid redis key prefix")
		}
		s.prefix = p
		return nil
	}
}

// WithRedisRetention caps messages kept per conversation (default DefaultRetention).
func WithRedisRetention(n int) RedisOption {
	return func(s *RedisStore) error {
		if n <= 0 {
			return errors.New("realtime: retention must be positive")
		}
		s.retention = n
		return nil
	}
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{rdb: rdb, prefix: "im", retention: DefaultRetention}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	return s, nil
}

func (s *RedisStore) msgsKey(k ConversationKey) string { return s.prefix + ":msgs:" + string(k) }
func (s *RedisStore) bodyKey(k ConversationKey) string { return s.prefix + ":body:" + string(k) }
func (s *RedisStore) dedupeKey(k ConversationKey) string { return s.prefix + ":dedupe:" + string(k) }
func (s *RedisStore) convsKey(user string) string { return s.prefix + ":convs:" + user }
func (s *RedisStore) unreadKey(user string) string { return s.prefix + ":unread:" + user }

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// KEYS[1]=msgs KEYS[2]=body KEYS[3]=dedupe KEYS[4]=convs:from KEYS[5]=convs:to
// ARGV[1]=dedupe field ("" = none) ARGV[2]=proposed ts ARGV[3]=retention
// ARGV[4]=id ARGV[5]=body ARGV[6]=to ARGV[7]=from
// Returns {1, id, ts, body} for a duplicate, {0, id, ts} for a new message.
var luaAppend = redis.NewScript(`
local field = ARGV[1]
if field ~= '' then
  local existing = redis.call('HGET', KEYS[3], field)
  if existing then
    local score = redis.call('ZSCORE', KEYS[1], existing)
    local body = redis.call('HGET', KEYS[2], existing)
    if score and body then
      return {1, existing, tonumber(score), body}
    end
    redis.call('HDEL', KEYS[3], field)
  end
end

local ts = tonumber(ARGV[2])
local last = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if last[2] and tonumber(last[2]) >= ts then
  ts = tonumber(last[2]) + 1
end

local id = ARGV[4]
redis.call('ZADD', KEYS[1], ts, id)
redis.call('HSET', KEYS[2], id, ARGV[5])
if field ~= '' then
  redis.call('HSET', KEYS[3], field, id)
end

local over = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[3])
if over > 0 then
  local old = redis.call('ZRANGE', KEYS[1], 0, over - 1)
  for _, oid in ipairs(old) do
    local b = redis.call('HGET', KEYS[2], oid)
    if b then
      local m = cjson.decode(b)
      if type(m.clientId) == 'string' and m.clientId ~= '' then
        redis.call('HDEL', KEYS[3], m.from .. '\0' .. m.clientId)
      end
      redis.call('HDEL', KEYS[2], oid)
    end
  end
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, over - 1)
end

redis.call('ZADD', KEYS[4], ts, ARGV[6])
redis.call('ZADD', KEYS[5], ts, ARGV[7])
return {0, id, ts}
`)

// Append persists msg with clientId idempotency and strictly increasing timestamps.
func (s *RedisStore) Append(ctx context.Context, msg Message) (AppendResult, error) {
	if msg.From == "" || msg.To == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(time.UnixMilli(msg.Timestamp))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return AppendResult{}, err
	}

	key := msg.Key()
	field := ""
	if msg.ClientID != "" {
		field = dedupeKey(msg.From, msg.ClientID)
	}

	raw, err := luaAppend.Run(ctx, s.rdb,
		[]string{s.msgsKey(key), s.bodyKey(key), s.dedupeKey(key), s.convsKey(msg.From), s.convsKey(msg.To)},
		field, msg.Timestamp, s.retention, msg.ID, body, msg.To, msg.From,
	).Slice()
	if err != nil {
		return AppendResult{}, fmt.Errorf("redis append: %w", err)
	}
	if len(raw) < 3 {
		return AppendResult{}, fmt.Errorf("redis append: unexpected reply %v", raw)
	}

	ts, _ := raw[2].(int64)
	if dup, _ := raw[0].(int64); dup == 1 && len(raw) == 4 {
		existing, err := decodeRedisMessage(raw[3], ts)
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	msg.Timestamp = ts
	return AppendResult{Stored: msg}, nil
}

func decodeRedisMessage(v any, ts int64) (Message, error) {
	s, ok := v.(string)
	if !ok {
		return Message{}, fmt.Errorf("redis: unexpected body type %T", v)
	}
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Message{}, fmt.Errorf("redis: decode body: %w", err)
	}
	// The score is authoritative; the body carries the proposed timestamp.
	m.Timestamp = ts
	return m, nil
}

// ReadRange returns the newest in.Limit messages older than in.Before, ascending.
func (s *RedisStore) ReadRange(ctx context.Context, in ReadRangeInput) ([]Message, error) {
	if in.Key == "" {
		return nil, errors.New("missing conversation key")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.retention
	}

	upper := "+inf"
	if in.Before != nil {
		upper = "(" + strconv.FormatInt(*in.Before, 10)
	}
	zs, err := s.rdb.ZRevRangeByScoreWithScores(ctx, s.msgsKey(in.Key), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	bodies, err := s.rdb.HMGet(ctx, s.bodyKey(in.Key), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(zs))
	for i := len(zs) - 1; i >= 0; i-- {
		if bodies[i] == nil {
			continue // evicted between the two reads
		}
		m, err := decodeRedisMessage(bodies[i], int64(zs[i].Score))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteConversation drops every message of key and the conversation list entries.
func (s *RedisStore) DeleteConversation(ctx context.Context, key ConversationKey) error {
	a, b := key.Participants()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.msgsKey(key), s.bodyKey(key), s.dedupeKey(key))
		pipe.ZRem(ctx, s.convsKey(a), b)
		pipe.ZRem(ctx, s.convsKey(b), a)
		return nil
	})
	return err
}

// ListConversations returns userID's conversations, most recent activity first.
func (s *RedisStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	peers, err := s.rdb.ZRevRange(ctx, s.convsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	type pending struct {
		peer  string
		count *redis.IntCmd
		last  *redis.ZSliceCmd
	}
	ps := make([]pending, 0, len(peers))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, peer := range peers {
			k := KeyFor(userID, peer)
			ps = append(ps, pending{
				peer:  peer,
				count: pipe.ZCard(ctx, s.msgsKey(k)),
				last:  pipe.ZRevRangeWithScores(ctx, s.msgsKey(k), 0, 0),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(ps))
	for _, p := range ps {
		last := p.last.Val()
		if p.count.Val() == 0 || len(last) == 0 {
			continue
		}
		id, _ := last[0].Member.(string)
		body, err := s.rdb.HGet(ctx, s.bodyKey(KeyFor(userID, p.peer)), id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := decodeRedisMessage(body, int64(last[0].Score))
		if err != nil {
			return nil, err
		}
		out = append(out, ConversationSummary{Peer: p.peer, LastMessage: m, Count: int(p.count.Val())})
	}
	sortSummaries(out)
	return out, nil
}

// GetUnread returns userID's counters.
func (s *RedisStore) GetUnread(ctx context.Context, userID string) (map[string]int, error) {
	raw, err := s.rdb.HGetAll(ctx, s.unreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for peer, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redis: unread %s/%s: %w", userID, peer, err)
		}
		out[peer] = n
	}
	return out, nil
}

// SetUnread stores count for (userID, peer).
func (s *RedisStore) SetUnread(ctx context.Context, userID, peer string, count int) error {
	if count < 0 {
		count = 0
	}
	return s.rdb.HSet(ctx, s.unreadKey(userID), peer, count).Err()
}

// ClearUnread removes the (userID, peer) counter.
func (s *RedisStore) ClearUnread(ctx context.Context, userID, peer string) error {
	return s.rdb.HDel(ctx, s.unreadKey(userID), peer).Err()
}
