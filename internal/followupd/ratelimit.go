package followupd

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitConfig defines rate limits for a specific method or globally.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustainable rate.
	RequestsPerSecond float64

	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int
}

// DefaultRateLimits caps each RPC category.
var DefaultRateLimits = map[string]RateLimitConfig{
	// Flow authoring
	MethodSaveFlow:     {RequestsPerSecond: 5, BurstSize: 10},
	MethodValidateFlow: {RequestsPerSecond: 20, BurstSize: 40},

	// Signals arrive in bursts from the inbox integration
	MethodTriggerNoResponse: {RequestsPerSecond: 100, BurstSize: 200},
	MethodLeadReplied:       {RequestsPerSecond: 200, BurstSize: 400},
	MethodCancelInstance:    {RequestsPerSecond: 20, BurstSize: 40},

	// Reads
	MethodGetFlow:       {RequestsPerSecond: 100, BurstSize: 200},
	MethodListFlows:     {RequestsPerSecond: 50, BurstSize: 100},
	MethodGetInstance:   {RequestsPerSecond: 100, BurstSize: 200},
	MethodListInstances: {RequestsPerSecond: 50, BurstSize: 100},

	MethodGetStatus: {RequestsPerSecond: 1000, BurstSize: 1000},
}

type methodBucket struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	requests int64
	denied   int64
}

func newMethodBucket(cfg RateLimitConfig) *methodBucket {
	return &methodBucket{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)}
}

func (b *methodBucket) allow() bool {
	ok := b.limiter.Allow()
	b.mu.Lock()
	b.requests++
	if !ok {
		b.denied++
	}
	b.mu.Unlock()
	return ok
}

func (b *methodBucket) counts() (requests, denied int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests, b.denied
}

// RateLimiter manages rate limits for multiple methods.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*methodBucket
	configs map[string]RateLimitConfig

	// Global rate limit (applied to all methods)
	global       *methodBucket
	globalConfig *RateLimitConfig

	enabled bool
}

// RateLimiterOption configures the RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMethodLimits sets custom limits for specific methods.
func WithMethodLimits(limits map[string]RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		for method, cfg := range limits {
			rl.configs[method] = cfg
		}
	}
}

// WithGlobalLimit sets a global rate limit applied to all methods.
func WithGlobalLimit(cfg RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.globalConfig = &cfg
		rl.global = newMethodBucket(cfg)
	}
}

// WithEnabled enables or disables rate limiting.
func WithEnabled(enabled bool) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.enabled = enabled
	}
}

// NewRateLimiter creates a rate limiter seeded with DefaultRateLimits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*methodBucket),
		configs: make(map[string]RateLimitConfig),
		enabled: true,
	}
	for method, cfg := range DefaultRateLimits {
		rl.configs[method] = cfg
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow checks if a request to the given method is allowed.
func (rl *RateLimiter) Allow(method string) bool {
	if !rl.IsEnabled() {
		return true
	}

	if rl.global != nil && !rl.global.allow() {
		return false
	}

	bucket := rl.bucket(method)
	if bucket == nil {
		return true
	}
	return bucket.allow()
}

func (rl *RateLimiter) bucket(method string) *methodBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[method]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if bucket, exists = rl.buckets[method]; exists {
		return bucket
	}
	cfg, ok := rl.configs[method]
	if !ok {
		return nil
	}
	bucket = newMethodBucket(cfg)
	rl.buckets[method] = bucket
	return bucket
}

// MethodStats is the rate limit state of one method.
type MethodStats struct {
	Method           string
	Available        float64
	RequestsPerSec   float64
	BurstSize        int
	TotalRequests    int64
	DeniedRequests   int64
	DeniedPercentage float64
}

func statsFor(method string, cfg RateLimitConfig, bucket *methodBucket) MethodStats {
	ms := MethodStats{
		Method:         method,
		RequestsPerSec: cfg.RequestsPerSecond,
		BurstSize:      cfg.BurstSize,
		Available:      float64(cfg.BurstSize),
	}
	if bucket != nil {
		ms.Available = bucket.limiter.Tokens()
		ms.TotalRequests, ms.DeniedRequests = bucket.counts()
		if ms.TotalRequests > 0 {
			ms.DeniedPercentage = float64(ms.DeniedRequests) / float64(ms.TotalRequests) * 100
		}
	}
	return ms
}

// Stats returns statistics for all configured methods, sorted by method.
func (rl *RateLimiter) Stats() []MethodStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make([]MethodStats, 0, len(rl.configs))
	for method, cfg := range rl.configs {
		stats = append(stats, statsFor(method, cfg, rl.buckets[method]))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Method < stats[j].Method })
	return stats
}

// GlobalStats returns statistics for the global rate limit.
func (rl *RateLimiter) GlobalStats() *MethodStats {
	if rl.global == nil || rl.globalConfig == nil {
		return nil
	}
	ms := statsFor("global", *rl.globalConfig, rl.global)
	return &ms
}

// SetEnabled enables or disables rate limiting at runtime.
func (rl *RateLimiter) SetEnabled(enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.enabled = enabled
}

// IsEnabled returns whether rate limiting is currently enabled.
func (rl *RateLimiter) IsEnabled() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.enabled
}

// UnaryServerInterceptor rejects calls over the limit with ResourceExhausted.
func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Allow(info.FullMethod) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
