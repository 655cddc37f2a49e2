package rowseal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/rowseal/rowseal/pkg/cache"
)

// Default values for CryptoPolicy fields that are not overridden.
const (
	DefaultExpireAfter            = time.Hour * 24 * 90 // 90 days
	DefaultRevokeCheckInterval    = time.Minute * 60
	DefaultKeyPrecision           = time.Minute
	DefaultKeyCacheMaxSize        = 1000
	DefaultKeyCacheEvictionPolicy = "lru"
	DefaultSessionCacheMaxSize    = 1000
	DefaultSessionCacheDuration   = time.Hour * 2
)

// Rotation strategies. Only inline rotation is supported: the writer
// that observes a missing or expired key creates its successor as part
// of the same call.
const (
	RotationInline = "inline"
)

// SimpleCachePolicy selects the unbounded map-backed key cache instead
// of one of the bounded eviction policies.
const SimpleCachePolicy = "simple"

// CryptoPolicy controls key rotation cadence, cache behavior, and
// telemetry for a SessionFactory.
type CryptoPolicy struct {
	// ExpireKeyAfter is the age at which a key stops being selected for
	// new encryptions and a successor is created on next use.
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval bounds how stale a cached key's revocation
	// state may be before it is revalidated against the metastore.
	RevokeCheckInterval time.Duration
	// RotationStrategy selects how expired keys are rotated. Only
	// RotationInline is supported.
	RotationStrategy string

	// SystemKeyPrecision truncates system key creation timestamps before
	// they are used as identifiers, preventing concurrent writers from
	// minting a flood of keys.
	SystemKeyPrecision time.Duration
	// IntermediateKeyPrecision does the same for intermediate keys.
	IntermediateKeyPrecision time.Duration

	// CacheSystemKeys enables the factory-wide system key cache.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize bounds the system key cache. Ignored when
	// SystemKeyCacheEvictionPolicy is SimpleCachePolicy.
	SystemKeyCacheMaxSize int
	// SystemKeyCacheEvictionPolicy is one of "simple", "lru", "slru",
	// "lfu", or "tinylfu".
	SystemKeyCacheEvictionPolicy string

	// CacheIntermediateKeys enables intermediate key caching.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize bounds each intermediate key cache.
	// Ignored when IntermediateKeyCacheEvictionPolicy is
	// SimpleCachePolicy.
	IntermediateKeyCacheMaxSize int
	// IntermediateKeyCacheEvictionPolicy is one of "simple", "lru",
	// "slru", "lfu", or "tinylfu".
	IntermediateKeyCacheEvictionPolicy string
	// SharedIntermediateKeyCache shares a single intermediate key cache
	// across all sessions of a factory rather than one per session.
	SharedIntermediateKeyCache bool

	// CacheSessions enables the reference-counted session cache.
	CacheSessions bool
	// SessionCacheMaxSize bounds the session cache.
	SessionCacheMaxSize int
	// SessionCacheDuration is how long an unused session stays cached.
	SessionCacheDuration time.Duration

	// NotifyExpiredSystemKeyOnRead emits a telemetry event, without
	// failing the read, when an expired system key is served from cache.
	NotifyExpiredSystemKeyOnRead bool
	// NotifyExpiredIntermediateKeyOnRead does the same for intermediate
	// keys.
	NotifyExpiredIntermediateKeyOnRead bool
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithExpireAfterDuration sets how long a key remains valid.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) {
		p.ExpireKeyAfter = d
	}
}

// WithRevokeCheckInterval sets how often cached keys are revalidated
// against the metastore.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) {
		p.RevokeCheckInterval = d
	}
}

// WithNoCache disables caching of both system and intermediate keys.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache shares one intermediate key cache of
// the given capacity across all sessions of a factory.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SharedIntermediateKeyCache = true
		p.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSessionCache enables session caching. All callers hitting the same
// partition then share one engine and one set of cached keys.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSessions = true
	}
}

// WithSessionCacheMaxSize bounds the session cache.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SessionCacheMaxSize = size
	}
}

// WithSessionCacheDuration sets how long an unused session stays cached.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SessionCacheDuration = d
	}
}

// WithExpiredKeyReadNotifications emits telemetry events when expired
// keys are served from the caches.
func WithExpiredKeyReadNotifications() PolicyOption {
	return func(p *CryptoPolicy) {
		p.NotifyExpiredSystemKeyOnRead = true
		p.NotifyExpiredIntermediateKeyOnRead = true
	}
}

// NewCryptoPolicy returns a CryptoPolicy with default values, modified by
// any options provided.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	policy := &CryptoPolicy{
		ExpireKeyAfter:      DefaultExpireAfter,
		RevokeCheckInterval: DefaultRevokeCheckInterval,
		RotationStrategy:    RotationInline,

		SystemKeyPrecision:       DefaultKeyPrecision,
		IntermediateKeyPrecision: DefaultKeyPrecision,

		CacheSystemKeys:              true,
		SystemKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,

		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,

		CacheSessions:        false,
		SessionCacheMaxSize:  DefaultSessionCacheMaxSize,
		SessionCacheDuration: DefaultSessionCacheDuration,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// validate reports the first configuration problem found, if any.
func (p *CryptoPolicy) validate() error {
	if p.ExpireKeyAfter <= 0 {
		return errors.Wrap(ErrInvalidConfig, "ExpireKeyAfter must be positive")
	}

	if p.RevokeCheckInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "RevokeCheckInterval must be positive")
	}

	if p.RotationStrategy != RotationInline {
		return errors.Wrapf(ErrInvalidConfig, "unsupported rotation strategy %q", p.RotationStrategy)
	}

	if p.SystemKeyPrecision <= 0 || p.IntermediateKeyPrecision <= 0 {
		return errors.Wrap(ErrInvalidConfig, "key precision must be positive")
	}

	if err := validateCachePolicy(p.SystemKeyCacheEvictionPolicy); err != nil {
		return err
	}

	if err := validateCachePolicy(p.IntermediateKeyCacheEvictionPolicy); err != nil {
		return err
	}

	if p.CacheSessions && (p.SessionCacheMaxSize <= 0 || p.SessionCacheDuration <= 0) {
		return errors.Wrap(ErrInvalidConfig, "session cache requires a positive size and duration")
	}

	return nil
}

func validateCachePolicy(name string) error {
	if name == "" || name == SimpleCachePolicy || cache.Policy(name).Valid() {
		return nil
	}

	return errors.Wrapf(ErrInvalidConfig, "unsupported cache eviction policy %q", name)
}

// newKeyTimestamp returns the current Unix timestamp in seconds,
// truncated to the provided precision.
func newKeyTimestamp(precision time.Duration) int64 {
	if precision > 0 {
		return time.Now().Truncate(precision).Unix()
	}

	return time.Now().Unix()
}

// Config identifies the owning product and service for a factory. Both
// fields are required.
type Config struct {
	// Service identifies the calling service.
	Service string
	// Product identifies the team or group that owns the service.
	Product string
	// Policy customizes rotation and caching. A default 90-day policy is
	// used when nil.
	Policy *CryptoPolicy
}

// validate reports the first configuration problem found, if any.
func (c *Config) validate() error {
	if c == nil {
		return errors.Wrap(ErrInvalidConfig, "config is required")
	}

	if c.Service == "" {
		return errors.Wrap(ErrInvalidConfig, "service is required")
	}

	if c.Product == "" {
		return errors.Wrap(ErrInvalidConfig, "product is required")
	}

	if c.Policy != nil {
		return c.Policy.validate()
	}

	return nil
}
