package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/civicreport/otpd/internal/store"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store. Every OTP is a hash keyed by its
// identifier with a secondary string key mapping the record ID back
// to the identifier. Both keys expire natively at the OTP's expiry.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
	// If this is set, 'verified' events are PUBLISHed to this Redis key
	// (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

// record is the hash representation of an OTP.
type record struct {
	ID         string `redis:"id"`
	Identifier string `redis:"identifier"`
	Channel    string `redis:"channel"`
	Code       string `redis:"code"`
	ExpiresAt  int64  `redis:"expires_at"`
	CreatedAt  int64  `redis:"created_at"`
}

type event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Channel    string    `json:"channel"`
	Time       time.Time `json:"time"`
}

type hgetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTPD"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Client returns the underlying Redis client so that other components
// (eg: rate limiters) can share the connection pool.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Put stores an OTP against its identifier, replacing any existing one.
func (r *Redis) Put(ctx context.Context, otp models.OTP) error {
	var (
		key   = r.makeKey(otp.Identifier)
		idKey = r.makeIDKey(otp.ID)
	)

	// The hash is deleted and rewritten in a single MULTI so that fields of
	// a superseded OTP never linger.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HMSet(ctx, key,
			"id", otp.ID,
			"identifier", otp.Identifier,
			"channel", otp.Channel,
			"code", otp.Code,
			"expires_at", otp.ExpiresAt.UnixMilli(),
			"created_at", otp.CreatedAt.UnixMilli())
		pipe.PExpireAt(ctx, key, otp.ExpiresAt)

		pipe.Set(ctx, idKey, otp.Identifier, 0)
		pipe.PExpireAt(ctx, idKey, otp.ExpiresAt)
		return nil
	})
	return err
}

// Find returns the OTP against an identifier if the code matches.
func (r *Redis) Find(ctx context.Context, identifier, code string) (models.OTP, error) {
	out, err := r.get(ctx, r.client, identifier)
	if err != nil {
		return out, err
	}
	if out.Code != code {
		return models.OTP{}, store.ErrNotExist
	}
	return out, nil
}

// Consume finds and deletes the OTP against an identifier if the code
// matches. The key is WATCHed so that if it's modified (consumed or replaced)
// by another client between the read and the delete, the transaction is
// aborted and the OTP is reported as non-existent.
func (r *Redis) Consume(ctx context.Context, identifier, code string) (models.OTP, error) {
	var (
		key = r.makeKey(identifier)
		out models.OTP
	)

	txf := func(tx *redis.Tx) error {
		o, err := r.get(ctx, tx, identifier)
		if err != nil {
			return err
		}
		if o.Code != code {
			return store.ErrNotExist
		}

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, r.makeIDKey(o.ID))
			return nil
		}); err != nil {
			return err
		}

		out = o
		return nil
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return models.OTP{}, store.ErrNotExist
		}
		return models.OTP{}, err
	}

	// If there's a configured PublishKey, publish the event. The OTP is
	// already consumed, so a failed publish doesn't fail the call.
	if r.conf.PublishKey != "" {
		e, _ := json.Marshal(event{
			Type:       "verified",
			ID:         out.ID,
			Identifier: out.Identifier,
			Channel:    out.Channel,
			Time:       time.Now(),
		})
		r.client.Publish(ctx, r.conf.PublishKey, e)
	}

	return out, nil
}

// DeleteByID deletes the OTP with the given record ID.
func (r *Redis) DeleteByID(ctx context.Context, id string) error {
	idKey := r.makeIDKey(id)

	identifier, err := r.client.Get(ctx, idKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	key := r.makeKey(identifier)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// Only delete the hash if it still holds the same record. It may
			// have been superseded by a newer OTP in the meanwhile.
			if cur == id {
				pipe.Del(ctx, key)
			}
			pipe.Del(ctx, idKey)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		// The hash changed underneath. Whatever it holds now is not this record.
		if errors.Is(err, redis.TxFailedErr) {
			return r.client.Del(ctx, idKey).Err()
		}
		return err
	}
	return nil
}

// makeKey makes the Redis key for the OTP.
func (r *Redis) makeKey(identifier string) string {
	return fmt.Sprintf("%s:otp:%s", r.conf.KeyPrefix, identifier)
}

// makeIDKey makes the Redis key that maps a record ID to its identifier.
func (r *Redis) makeIDKey(id string) string {
	return fmt.Sprintf("%s:id:%s", r.conf.KeyPrefix, id)
}

// get retrieves the OTP from Redis based on the identifier.
func (r *Redis) get(ctx context.Context, c hgetter, identifier string) (models.OTP, error) {
	var rec record
	if err := c.HGetAll(ctx, r.makeKey(identifier)).Scan(&rec); err != nil {
		return models.OTP{}, err
	}

	// Doesn't exist?
	if rec.Code == "" {
		return models.OTP{}, store.ErrNotExist
	}

	return models.OTP{
		ID:         rec.ID,
		Identifier: rec.Identifier,
		Channel:    rec.Channel,
		Code:       rec.Code,
		ExpiresAt:  time.UnixMilli(rec.ExpiresAt),
		CreatedAt:  time.UnixMilli(rec.CreatedAt),
	}, nil
}
