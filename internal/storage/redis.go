package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRemote keeps one hash per collection under namespace:collection,
// field = record id, value = the stored document.
type RedisRemote struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

// remoteDoc carries the record position so a fetch can restore local order.
type remoteDoc struct {
	Pos  int             `json:"pos"`
	Data json.RawMessage `json:"data"`
}

// NewRedisRemote builds the client without dialing; go-redis connects lazily,
// so a server that is down at startup is picked up once it comes back.
func NewRedisRemote(opts RedisOptions) *RedisRemote {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Namespace == "" {
		opts.Namespace = "findash"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
		PoolTimeout:  opts.Timeout,
		MaxRetries:   2,
	})
	return &RedisRemote{client: client, namespace: opts.Namespace, timeout: opts.Timeout}
}

// Ping checks the server is reachable.
func (r *RedisRemote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisRemote) Close() error { return r.client.Close() }

func (r *RedisRemote) key(collection string) string {
	return r.namespace + ":" + collection
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, err)
}

func (r *RedisRemote) Fetch(ctx context.Context, collection string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	all, err := r.client.HGetAll(ctx, r.key(collection)).Result()
	if err != nil {
		return nil, unavailable("fetch "+collection, err)
	}
	type positioned struct {
		rec Record
		pos int
	}
	docs := make([]positioned, 0, len(all))
	for id, raw := range all {
		var d remoteDoc
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("%w: decode %s/%s: %v", ErrRemoteUnavailable, collection, id, err)
		}
		docs = append(docs, positioned{rec: Record{ID: id, Data: d.Data}, pos: d.Pos})
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].pos != docs[j].pos {
			return docs[i].pos < docs[j].pos
		}
		return docs[i].rec.ID < docs[j].rec.ID
	})
	out := make([]Record, len(docs))
	for i, d := range docs {
		out[i] = d.rec
	}
	return out, nil
}

func (r *RedisRemote) Get(ctx context.Context, collection, id string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.HGet(ctx, r.key(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, unavailable("get "+collection, err)
	}
	var d remoteDoc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Record{}, false, fmt.Errorf("%w: decode %s/%s: %v", ErrRemoteUnavailable, collection, id, err)
	}
	return Record{ID: id, Data: d.Data}, true, nil
}

// PutBatch writes the batch in one MULTI/EXEC transaction.
func (r *RedisRemote) PutBatch(ctx context.Context, collection string, offset int, records []Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	values := make([]any, 0, 2*len(records))
	for i, rec := range records {
		b, err := json.Marshal(remoteDoc{Pos: offset + i, Data: rec.Data})
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, rec.ID, err)
		}
		values = append(values, rec.ID, b)
	}
	if len(values) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(collection), values...)
		return nil
	})
	if err != nil {
		return unavailable("put "+collection, err)
	}
	return nil
}

func (r *RedisRemote) Prune(ctx context.Context, collection string, keep []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.HKeys(ctx, r.key(collection)).Result()
	if err != nil {
		return unavailable("prune "+collection, err)
	}
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var stale []string
	for _, id := range ids {
		if _, ok := kept[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key(collection), stale...).Err(); err != nil {
		return unavailable("prune "+collection, err)
	}
	return nil
}

func (r *RedisRemote) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.HDel(ctx, r.key(collection), id).Err(); err != nil {
		return unavailable("delete "+collection, err)
	}
	return nil
}

func (r *RedisRemote) Clear(ctx context.Context, collection string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(collection)).Err(); err != nil {
		return unavailable("clear "+collection, err)
	}
	return nil
}
