package rowseal

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCryptoPolicy_Defaults(t *testing.T) {
	p := NewCryptoPolicy()

	assert.Equal(t, DefaultExpireAfter, p.ExpireKeyAfter)
	assert.Equal(t, DefaultRevokeCheckInterval, p.RevokeCheckInterval)
	assert.Equal(t, RotationInline, p.RotationStrategy)
	assert.Equal(t, DefaultKeyPrecision, p.SystemKeyPrecision)
	assert.Equal(t, DefaultKeyPrecision, p.IntermediateKeyPrecision)
	assert.True(t, p.CacheSystemKeys)
	assert.True(t, p.CacheIntermediateKeys)
	assert.False(t, p.SharedIntermediateKeyCache)
	assert.False(t, p.CacheSessions)
	assert.Equal(t, DefaultKeyCacheMaxSize, p.SystemKeyCacheMaxSize)
	assert.Equal(t, DefaultKeyCacheEvictionPolicy, p.SystemKeyCacheEvictionPolicy)
	assert.Equal(t, DefaultSessionCacheMaxSize, p.SessionCacheMaxSize)
	assert.Equal(t, DefaultSessionCacheDuration, p.SessionCacheDuration)
	assert.NoError(t, p.validate())
}

func TestNewCryptoPolicy_WithOptions(t *testing.T) {
	p := NewCryptoPolicy(
		WithExpireAfterDuration(time.Hour),
		WithRevokeCheckInterval(time.Minute*10),
		WithSessionCache(),
		WithSessionCacheMaxSize(42),
		WithSessionCacheDuration(time.Minute*5),
		WithSharedIntermediateKeyCache(7),
		WithExpiredKeyReadNotifications(),
	)

	assert.Equal(t, time.Hour, p.ExpireKeyAfter)
	assert.Equal(t, time.Minute*10, p.RevokeCheckInterval)
	assert.True(t, p.CacheSessions)
	assert.Equal(t, 42, p.SessionCacheMaxSize)
	assert.Equal(t, time.Minute*5, p.SessionCacheDuration)
	assert.True(t, p.SharedIntermediateKeyCache)
	assert.Equal(t, 7, p.IntermediateKeyCacheMaxSize)
	assert.True(t, p.NotifyExpiredSystemKeyOnRead)
	assert.True(t, p.NotifyExpiredIntermediateKeyOnRead)
}

func TestCryptoPolicy_WithNoCache(t *testing.T) {
	p := NewCryptoPolicy(WithNoCache())

	assert.False(t, p.CacheSystemKeys)
	assert.False(t, p.CacheIntermediateKeys)
}

func TestCryptoPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CryptoPolicy)
	}{
		{"zero expiry", func(p *CryptoPolicy) { p.ExpireKeyAfter = 0 }},
		{"zero revoke check", func(p *CryptoPolicy) { p.RevokeCheckInterval = 0 }},
		{"queued rotation", func(p *CryptoPolicy) { p.RotationStrategy = "queued" }},
		{"zero precision", func(p *CryptoPolicy) { p.SystemKeyPrecision = 0 }},
		{"bogus sk cache policy", func(p *CryptoPolicy) { p.SystemKeyCacheEvictionPolicy = "fifo" }},
		{"bogus ik cache policy", func(p *CryptoPolicy) { p.IntermediateKeyCacheEvictionPolicy = "random" }},
		{"session cache without size", func(p *CryptoPolicy) { p.CacheSessions = true; p.SessionCacheMaxSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewCryptoPolicy()
			tt.modify(p)

			err := p.validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestCryptoPolicy_ValidateAcceptsAllCachePolicies(t *testing.T) {
	for _, name := range []string{"", "simple", "lru", "slru", "lfu", "tinylfu"} {
		p := NewCryptoPolicy()
		p.SystemKeyCacheEvictionPolicy = name
		p.IntermediateKeyCacheEvictionPolicy = name

		assert.NoError(t, p.validate(), "policy %q", name)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.True(t, errors.Is((*Config)(nil).validate(), ErrInvalidConfig))
	assert.True(t, errors.Is((&Config{Product: "p"}).validate(), ErrInvalidConfig))
	assert.True(t, errors.Is((&Config{Service: "s"}).validate(), ErrInvalidConfig))
	assert.NoError(t, (&Config{Service: "s", Product: "p"}).validate())
}

func TestNewKeyTimestamp(t *testing.T) {
	ts := newKeyTimestamp(time.Minute)

	assert.Zero(t, ts%60)
	assert.InDelta(t, time.Now().Unix(), ts, float64(time.Minute/time.Second))

	untruncated := newKeyTimestamp(0)
	assert.InDelta(t, time.Now().Unix(), untruncated, 2)
}
