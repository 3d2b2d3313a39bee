// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
	"golang.org/x/time/rate"
	redis "gopkg.in/redis.v5"
)

// Limits per minute, zero means unlimited
type Limits struct {
	Uplink   int
	Downlink int
}

// ErrInvalidLimit is returned for negative limits
var ErrInvalidLimit = errors.New("rate limit must not be negative")

func (l Limits) validate() error {
	if l.Uplink < 0 || l.Downlink < 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Limiter decides whether one more message is allowed
type Limiter interface {
	Limit() (bool, error)
}

// NewRateLimit returns a middleware that rate-limits uplink and downlink messages
func NewRateLimit(conf Limits) (*RateLimit, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	l := new(RateLimit)
	if conf.Uplink != 0 {
		l.uplink = newLocalLimiter(conf.Uplink)
	}
	if conf.Downlink != 0 {
		l.downlink = newLocalLimiter(conf.Downlink)
	}
	return l, nil
}

// NewRedisRateLimit returns a middleware that rate-limits uplink and downlink
// messages with counters in Redis, so that bridges sharing the prefix share
// the limits. Messages are let through while Redis is unreachable.
func NewRedisRateLimit(client *redis.Client, prefix string, conf Limits, ctx log.Interface) (*RateLimit, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	l := &RateLimit{ctx: ctx.WithField("Middleware", "RateLimit")}
	if conf.Uplink != 0 {
		l.uplink = newRedisLimiter(client, fmt.Sprintf("%s:uplink", prefix), conf.Uplink)
	}
	if conf.Downlink != 0 {
		l.downlink = newRedisLimiter(client, fmt.Sprintf("%s:downlink", prefix), conf.Downlink)
	}
	return l, nil
}

// RateLimit uplink and downlink messages
type RateLimit struct {
	ctx      log.Interface
	uplink   Limiter
	downlink Limiter
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func (l *RateLimit) limit(limiter Limiter) error {
	if limiter == nil {
		return nil
	}
	limited, err := limiter.Limit()
	if err != nil {
		if l.ctx != nil {
			l.ctx.WithError(err).Warn("Could not check rate limit, allowing message")
		}
		return nil
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

// HandleUplink rate-limits radio packets
func (l *RateLimit) HandleUplink(_ middleware.Context, _ *types.RadioMessage) error {
	return l.limit(l.uplink)
}

// HandleDownlink rate-limits transmissions
func (l *RateLimit) HandleDownlink(_ middleware.Context, _ *types.NetworkMessage) error {
	return l.limit(l.downlink)
}

type localLimiter struct {
	limiter *rate.Limiter
}

func newLocalLimiter(perMinute int) *localLimiter {
	return &localLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (l *localLimiter) Limit() (bool, error) {
	return !l.limiter.Allow(), nil
}

// redisLimiter counts in fixed one-minute windows
type redisLimiter struct {
	client *redis.Client
	key    string
	limit  int64
	now    func() time.Time
}

func newRedisLimiter(client *redis.Client, key string, perMinute int) *redisLimiter {
	return &redisLimiter{
		client: client,
		key:    key,
		limit:  int64(perMinute),
		now:    time.Now,
	}
}

func (l *redisLimiter) Limit() (bool, error) {
	key := fmt.Sprintf("%s:%d", l.key, l.now().Unix()/60)
	count, err := l.client.Incr(key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(key, 2*time.Minute).Err(); err != nil {
			return false, err
		}
	}
	return count > l.limit, nil
}
