package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const HeaderKey = "Idempotency-Key"

// KeyStore keeps request keys and the response recorded for them.
type KeyStore interface {
	// Reserve marks key as in flight, reporting false if it already exists.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Load(ctx context.Context, key string) (Response, bool, error)
	Save(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "idem:lock:"+key, "1", ttl).Result()
}

func (s *RedisStore) Load(ctx context.Context, key string) (Response, bool, error) {
	raw, err := s.rdb.Get(ctx, "idem:resp:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, "idem:resp:"+key, raw, ttl).Err()
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, "idem:lock:"+key, "idem:resp:"+key).Err()
}

// Middleware replays the first response recorded for an Idempotency-Key.
// Requests without the header pass through. Keys are scoped by scope(r), e.g.
// the caller id, so two users cannot collide. 5xx responses are not recorded
// so the client can retry them.
func Middleware(log *slog.Logger, store KeyStore, ttl time.Duration, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + ":" + r.URL.Path + ":" + scope(r) + ":" + raw
			ctx := r.Context()

			if resp, ok, err := store.Load(ctx, key); err != nil {
				log.WarnContext(ctx, "idempotency load failed", "err", err)
			} else if ok {
				writeResponse(w, resp, true)
				return
			}

			reserved, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				log.WarnContext(ctx, "idempotency reserve failed, serving without key", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				http.Error(w, `{"error":"request with this Idempotency-Key is in progress"}`, http.StatusConflict)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			saveCtx := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError {
				if err := store.Forget(saveCtx, key); err != nil {
					log.WarnContext(ctx, "idempotency forget failed", "err", err)
				}
				return
			}
			resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
			if err := store.Save(saveCtx, key, resp, ttl); err != nil {
				log.WarnContext(ctx, "idempotency save failed", "err", err)
			}
		})
	}
}

func writeResponse(w http.ResponseWriter, resp Response, replayed bool) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
