package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "elderwatch:"
	maxWatchRetries    = 100
)

// RedisStore keeps each document as a JSON string and the insertion order of
// each collection in a list. People also carry an insertion sequence and a
// per-name sorted set of ids scored by it, so a name lookup returns the
// earliest inserted holder without scanning. Inserts and person updates use
// WATCH/MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects using a redis:// URL.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

func (s *RedisStore) InsertPerson(ctx context.Context, p Person) (string, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	p = clonePerson(p)
	p.Conversations = dedupe(p.Conversations)
	val, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode person: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.personSeqCounterKey()).Result()
	if err != nil {
		return "", fmt.Errorf("insert person %s: %w", p.ID, err)
	}
	err = s.insert(ctx, s.personKey(p.ID), s.peopleKey(), p.ID, val, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, s.personSeqKey(), p.ID, seq)
		pipe.ZAdd(ctx, s.nameKey(p.Name), redis.Z{Score: float64(seq), Member: p.ID})
	})
	if err != nil {
		return "", fmt.Errorf("insert person %s: %w", p.ID, err)
	}
	return p.ID, nil
}

func (s *RedisStore) InsertConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	val, err := json.Marshal(cloneConversation(c))
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.insert(ctx, s.conversationKey(c.ID), s.conversationsKey(), c.ID, val, nil); err != nil {
		return "", fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	return c.ID, nil
}

// insert writes the document, appends its id to listKey and runs extra in a
// single transaction, rejecting ids that already exist.
func (s *RedisStore) insert(ctx context.Context, key, listKey, id string, val []byte, extra func(pipe redis.Pipeliner)) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrWriteRejected
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, val, 0)
				pipe.RPush(ctx, listKey, id)
				if extra != nil {
					extra(pipe)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("insert %s: too much contention", id)
}

func (s *RedisStore) GetPerson(ctx context.Context, ref PersonRef) (Person, error) {
	if ref.ID != "" {
		var p Person
		if err := s.getJSON(ctx, s.personKey(ref.ID), &p); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Person{}, fmt.Errorf("person %s: %w", ref, ErrNotFound)
			}
			return Person{}, fmt.Errorf("get person: %w", err)
		}
		return clonePerson(p), nil
	}
	ids, err := s.client.ZRange(ctx, s.nameKey(ref.Name), 0, 0).Result()
	if err != nil {
		return Person{}, fmt.Errorf("lookup person %s: %w", ref, err)
	}
	if len(ids) == 0 {
		return Person{}, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	return s.GetPerson(ctx, ByID(ids[0]))
}

func (s *RedisStore) ListPeople(ctx context.Context) ([]Person, error) {
	ids, err := s.client.LRange(ctx, s.peopleKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	out := make([]Person, 0, len(ids))
	err = s.mgetJSON(ctx, s.personKey, ids, func(raw []byte) error {
		var p Person
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, clonePerson(p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load people: %w", err)
	}
	return out, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	if err := s.getJSON(ctx, s.conversationKey(id), &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return cloneConversation(c), nil
}

func (s *RedisStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	ids, err := s.client.LRange(ctx, s.conversationsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return s.ConversationsByID(ctx, ids)
}

func (s *RedisStore) ConversationsByID(ctx context.Context, ids []string) ([]Conversation, error) {
	out := make([]Conversation, 0, len(ids))
	err := s.mgetJSON(ctx, s.conversationKey, ids, func(raw []byte) error {
		var c Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, cloneConversation(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return orderByIDs(ids, out), nil
}

func (s *RedisStore) AddConversationToPerson(ctx context.Context, ref PersonRef, conversationID string) (bool, error) {
	return s.mutatePerson(ctx, ref, func(p *Person) bool {
		if slices.Contains(p.Conversations, conversationID) {
			return false
		}
		p.Conversations = append(p.Conversations, conversationID)
		return true
	})
}

func (s *RedisStore) UpdatePerson(ctx context.Context, ref PersonRef, patch PersonPatch) (bool, error) {
	return s.mutatePerson(ctx, ref, patch.apply)
}

// mutatePerson applies fn under optimistic locking, retrying when another
// writer touched the document between WATCH and EXEC.
func (s *RedisStore) mutatePerson(ctx context.Context, ref PersonRef, fn func(p *Person) bool) (bool, error) {
	id := ref.ID
	if id == "" {
		p, err := s.GetPerson(ctx, ref)
		if err != nil {
			return false, err
		}
		id = p.ID
	}
	key := s.personKey(id)
	seqKey := s.personSeqKey()

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		changed := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var p Person
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			oldName := p.Name
			if !fn(&p) {
				return nil
			}
			val, err := json.Marshal(p)
			if err != nil {
				return err
			}
			var seq int64
			if p.Name != oldName {
				if seq, err = tx.HGet(ctx, seqKey, id).Int64(); err != nil {
					return fmt.Errorf("person sequence: %w", err)
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, val, 0)
				if p.Name != oldName {
					pipe.ZRem(ctx, s.nameKey(oldName), id)
					pipe.ZAdd(ctx, s.nameKey(p.Name), redis.Z{Score: float64(seq), Member: id})
				}
				return nil
			})
			if err == nil {
				changed = true
			}
			return err
		}, key)
		switch {
		case err == nil:
			return changed, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return false, fmt.Errorf("person %s: %w", ref, ErrNotFound)
		default:
			return false, fmt.Errorf("update person %s: %w", id, err)
		}
	}
	return false, fmt.Errorf("update person %s: too much contention", id)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *RedisStore) mgetJSON(ctx context.Context, keyFn func(string) string, ids []string, each func(raw []byte) error) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := each([]byte(str)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) personKey(id string) string       { return s.prefix + "person:" + id }
func (s *RedisStore) conversationKey(id string) string { return s.prefix + "conversation:" + id }
func (s *RedisStore) peopleKey() string                { return s.prefix + "people" }
func (s *RedisStore) conversationsKey() string         { return s.prefix + "conversations" }
func (s *RedisStore) personSeqKey() string             { return s.prefix + "people:seq" }
func (s *RedisStore) personSeqCounterKey() string      { return s.prefix + "people:seq:next" }
func (s *RedisStore) nameKey(name string) string       { return s.prefix + "people:name:" + name }
