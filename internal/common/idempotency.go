package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const idemPending = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. Keys are
// scoped to the caller, method and path. The first completed response is
// stored and replayed for repeats; server errors release the key so the
// client may retry.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

func idemKey(r *http.Request, header string) string {
	userID, _ := UserID(r.Context())
	return "idem:" + Fingerprint(userID, r.Method, r.URL.Path, header)
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := idemKey(r, header)
		ok, err := i.R.SetNX(ctx, key, idemPending, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			store := context.WithoutCancel(ctx)
			if !completed || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(store, key).Err()
				return
			}
			payload, err := json.Marshal(storedResponse{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()})
			if err != nil {
				_ = i.R.Del(store, key).Err()
				return
			}
			_ = i.R.Set(store, key, payload, i.ttl()).Err()
		}()
		next.ServeHTTP(rec, r)
		completed = true
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	case err != nil:
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
		return
	case string(raw) == idemPending:
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this key is still in progress", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

type captureWriter struct {
	http.ResponseWriter
	status  int
	body    bytes.Buffer
	written bool
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.written {
		c.status = code
		c.written = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.written = true
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
