package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// IDField is added to documents returned by List.
const IDField = "_id"

// Store is implemented by every document backend.
type Store interface {
	// Get returns the document, or nil, nil when it does not exist.
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	// Put inserts or replaces a document.
	Put(ctx context.Context, collection, id string, doc map[string]any) error
	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, collection, id string) error
	// List returns every document of collection, ordered by id.
	List(ctx context.Context, collection string) ([]map[string]any, error)
	// Collections lists the collections holding documents.
	Collections(ctx context.Context) ([]string, error)
	// Drop removes every document of every collection.
	Drop(ctx context.Context) error
}

func validate(collection, id string) error {
	if collection == "" || id == "" {
		return fmt.Errorf("docstore: collection and id must not be empty")
	}
	if strings.Contains(collection, ":") {
		return fmt.Errorf("docstore: collection %q must not contain ':'", collection)
	}
	return nil
}

func copyDoc(doc map[string]any, extra int) map[string]any {
	out := make(map[string]any, len(doc)+extra)
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// MemoryStore keeps documents in process.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]map[string]any)}
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc, 0), nil
}

func (m *MemoryStore) Put(_ context.Context, collection, id string, doc map[string]any) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string]map[string]any)
		m.collections[collection] = c
	}
	c[id] = copyDoc(doc, 0)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	if len(m.collections[collection]) == 0 {
		delete(m.collections, collection)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, collection string) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.collections[collection]
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		doc := copyDoc(c[id], 1)
		doc[IDField] = id
		out = append(out, doc)
	}
	return out, nil
}

func (m *MemoryStore) Collections(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Drop(context.Context) error {
	m.mu.Lock()
	m.collections = make(map[string]map[string]map[string]any)
	m.mu.Unlock()
	return nil
}

// RedisStore keeps each document as a JSON string under
// <prefix>:<collection>:<id>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on client. Keys outside prefix are never
// touched.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "forgeit:doc"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(collection, id string) string {
	return r.prefix + ":" + collection + ":" + id
}

func (r *RedisStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	data, err := r.client.Get(ctx, r.key(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (r *RedisStore) Put(ctx context.Context, collection, id string, doc map[string]any) error {
	if err := validate(collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	if err := r.client.Set(ctx, r.key(collection, id), data, 0).Err(); err != nil {
		return fmt.Errorf("docstore: put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, collection, id string) error {
	if err := r.client.Del(ctx, r.key(collection, id)).Err(); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) List(ctx context.Context, collection string) ([]map[string]any, error) {
	base := r.prefix + ":" + collection + ":"
	keys, err := r.scan(ctx, base+"*")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, base)
		doc, err := r.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		doc[IDField] = id
		out = append(out, doc)
	}
	return out, nil
}

func (r *RedisStore) Collections(ctx context.Context) ([]string, error) {
	keys, err := r.scan(ctx, r.prefix+":*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, r.prefix+":")
		name, _, ok := strings.Cut(rest, ":")
		if ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) Drop(ctx context.Context) error {
	keys, err := r.scan(ctx, r.prefix+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("docstore: drop: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error { return r.client.Close() }
