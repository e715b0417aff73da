package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"keydrop/cfg"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis backs the shared rate limiter and the sweep lease. Nothing about a
// paste is ever stored here.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	// Only limiter counters and the sweep lease go through here.
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 2 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 2
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 256 * time.Millisecond
	if c.RedisTLS {
		host, _, err := net.SplitHostPort(opt.Addr)
		if err != nil {
			host = opt.Addr
		}
		opt.TLSConfig, err = redisTLSConfig(host, os.Getenv("REDIS_TLS_CA_CERT"))
		if err != nil {
			return nil, err
		}
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if pass := c.RedisPassword.Value(); pass != "" {
		opt.Password = pass
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), c.RedisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{client: client, timeout: c.RedisTimeout}, nil
}

// redisTLSConfig pins TLS 1.3 to serverName. An empty caPath trusts the
// system pool.
func redisTLSConfig(serverName, caPath string) (*tls.Config, error) {
	if serverName == "" {
		return nil, errors.New("redis TLS needs a host name in REDIS_URL")
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS13, ServerName: serverName}
	if caPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		tlsConfig.RootCAs = pool
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrap(err, "read redis CA cert")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates in %s", caPath)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

// rateLimitScript is a fixed window counter that stops counting at the limit.
// Over the limit it reports limit+1 without touching the stored count.
var rateLimitScript = redis.NewScript(`
		local current = redis.call("GET", KEYS[1])
		if current == false then
			current = 0
		else
			current = tonumber(current)
		end
		if current >= tonumber(ARGV[2]) then
			return current + 1
		end
		local new_val = redis.call("INCR", KEYS[1])
		if new_val == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return new_val
	`)

// AcquireLease takes name for ttl if nobody holds it. The returned token
// is needed to release it.
func (r *Redis) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, "lease:"+name, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "acquire lease")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

func (r *Redis) ReleaseLease(ctx context.Context, name, token string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(releaseScript.Run(ctx, r.client, []string{"lease:" + name}, token).Err(), "release lease")
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
