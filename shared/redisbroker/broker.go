// Package redisbroker manages the process-wide connection to the Redis
// broker backing the work queue.
//
// The connection is created lazily from the REDIS_URL environment variable
// and is deliberately never fatal at startup: with a missing or invalid URL
// the job features degrade to unavailable while the rest of the server keeps
// serving.
package redisbroker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// URLEnv is the connection-string variable, a full
	// scheme://[user:pass@]host:port URL.
	URLEnv = "REDIS_URL"

	// PasswordEnv optionally overrides the credential embedded in the URL.
	PasswordEnv = "REDIS_PASSWORD"
)

var (
	mu          sync.Mutex
	client      *redis.Client
	initialized bool
)

// Get returns the shared Redis client, establishing it on first use. It
// returns nil when no connection string is configured or the configured one
// fails validation; the outcome is memoized either way.
func Get(logger *slog.Logger) *redis.Client {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return client
	}
	initialized = true

	raw := os.Getenv(URLEnv)
	if err := ValidateURL(raw); err != nil {
		if raw == "" {
			logger.Warn("Redis broker not configured, job features unavailable",
				slog.String("env", URLEnv),
			)
		} else {
			logger.Warn("Invalid Redis broker URL, job features unavailable",
				slog.String("env", URLEnv),
				slog.Any("error", err),
			)
		}
		return nil
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		logger.Warn("Failed to parse Redis broker URL, job features unavailable",
			slog.Any("error", err),
		)
		return nil
	}

	if password := os.Getenv(PasswordEnv); password != "" {
		opts.Password = password
	}

	client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Keep the client: the broker may come up later and go-redis
		// reconnects on demand.
		logger.Warn("Redis broker not reachable yet",
			slog.String("addr", opts.Addr),
			slog.Any("error", err),
		)
	} else {
		logger.Info("Connected to Redis broker",
			slog.String("addr", opts.Addr),
		)
	}

	return client
}

// Ensure returns the shared client or a configuration-class error with an
// actionable message. Mutating queue operations call this before touching
// anything.
func Ensure(logger *slog.Logger) (*redis.Client, error) {
	c := Get(logger)
	if c == nil {
		return nil, fmt.Errorf("redis broker is not configured: set %s to a redis://host:port URL", URLEnv)
	}
	return c, nil
}

// Close releases the shared connection. Safe to call when nothing was ever
// established.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if client == nil {
		return nil
	}

	err := client.Close()
	client = nil
	initialized = false
	return err
}

// ValidateURL rejects connection strings that cannot be a broker URL: empty
// values, filesystem paths, values with embedded command-line flag fragments
// (a misconfigured environment sometimes carries a whole CLI invocation),
// unknown schemes, and URLs without a host.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("connection string is empty")
	}

	if strings.HasPrefix(raw, "-") || strings.Contains(raw, " -") {
		return fmt.Errorf("connection string contains command-line flag fragments")
	}

	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "~") {
		return fmt.Errorf("connection string looks like a filesystem path")
	}

	if !strings.Contains(raw, "://") {
		return fmt.Errorf("connection string is not a URL (expected scheme://host[:port])")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	switch parsed.Scheme {
	case "redis", "rediss":
	default:
		return fmt.Errorf("unrecognized scheme %q (expected redis or rediss)", parsed.Scheme)
	}

	if parsed.Hostname() == "" {
		return fmt.Errorf("connection string has no host")
	}

	return nil
}
