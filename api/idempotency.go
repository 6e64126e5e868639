package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey carries the client-chosen key of a create command.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplayed marks a response replayed for a repeated key.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

// StoredResponse is the outcome of a command kept for its idempotency key.
type StoredResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Deduper records idempotency keys per user together with the response of
// the command that claimed them.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
	Save(ctx context.Context, userID, key string, resp StoredResponse) error
	// Load returns nil while the command holding the key has not finished.
	Load(ctx context.Context, userID, key string) (*StoredResponse, error)
}

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can avoid reprocessing the same command.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

func (r *RedisDeduper) responseKey(userID, key string) string {
	return r.key(userID, key) + ":response"
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so a failed command can be retried.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key), r.responseKey(userID, key)).Err()
}

func (r *RedisDeduper) Save(ctx context.Context, userID, key string, resp StoredResponse) error {
	data, err := sonic.Marshal(resp)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.responseKey(userID, key), data, r.ttl).Err()
}

func (r *RedisDeduper) Load(ctx context.Context, userID, key string) (*StoredResponse, error) {
	data, err := r.client.Get(ctx, r.responseKey(userID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp StoredResponse
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// capturingWriter copies the response body while it is written.
type capturingWriter struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent runs a command once per Idempotency-Key. A repeated key gets the
// stored response of the first run, or 409 while that run is in flight. Keys
// of commands that fail are released again.
func idempotent(d Deduper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if d == nil {
			return next
		}
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderIdempotencyKey)
			if key == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			user := userID(c)
			added, err := d.Add(ctx, user, key)
			if err != nil {
				// Deduplication is best effort; an unavailable Redis must not block commands.
				log.WithError(err).WithField("user", user).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				return replay(c, d, user, key)
			}

			res := c.Response()
			w := &capturingWriter{ResponseWriter: res.Writer}
			res.Writer = w
			err = next(c)
			res.Writer = w.ResponseWriter

			bg := context.WithoutCancel(ctx)
			if err != nil || res.Status >= http.StatusBadRequest {
				if rerr := d.Remove(bg, user, key); rerr != nil {
					log.WithError(rerr).WithField("user", user).Warn("failed to release idempotency key")
				}
				return err
			}
			if serr := d.Save(bg, user, key, StoredResponse{Status: res.Status, Body: w.body.Bytes()}); serr != nil {
				log.WithError(serr).WithField("user", user).Warn("failed to store idempotent response")
			}
			return nil
		}
	}
}

func replay(c echo.Context, d Deduper, user, key string) error {
	stored, err := d.Load(c.Request().Context(), user, key)
	if err != nil {
		log.WithError(err).WithField("user", user).Warn("failed to load idempotent response")
	}
	if stored == nil {
		return c.JSON(http.StatusConflict, errorResponse{Error: "a request with this idempotency key is in progress"})
	}
	c.Response().Header().Set(HeaderIdempotentReplayed, "true")
	return c.Blob(stored.Status, echo.MIMEApplicationJSON, stored.Body)
}
