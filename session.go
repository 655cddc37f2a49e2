package rowseal

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal/pkg/log"
	"github.com/rowseal/rowseal/securemem"
	"github.com/rowseal/rowseal/securemem/memguard"
)

// SessionFactory creates encryption sessions and owns the resources
// shared by them: the system key cache, the optional shared intermediate
// key cache, and the session cache. Create one per application at start
// up and keep it for the application's lifetime.
type SessionFactory struct {
	Config        *Config
	Metastore     Metastore
	KMS           KeyManagementService
	Crypto        AEAD
	SecretFactory securemem.SecretFactory

	systemKeys keyCacher
	sharedIKs  keyCacher // nil unless SharedIntermediateKeyCache
	sessions   sessionCache
}

// FactoryOption configures optional behavior on a SessionFactory.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the secure memory backend used for key
// material. The default is the memguard implementation.
func WithSecretFactory(f securemem.SecretFactory) FactoryOption {
	return func(factory *SessionFactory) {
		factory.SecretFactory = f
	}
}

// WithMetrics enables or disables metrics. Metrics are registered
// against the process-wide default registry; disabling unregisters them
// all.
func WithMetrics(enabled bool) FactoryOption {
	return func(*SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewSessionFactory validates config and creates a factory wired to the
// provided collaborators.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) (*SessionFactory, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	if store == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "metastore is required")
	}

	if kms == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "key management service is required")
	}

	if crypto == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "AEAD cipher is required")
	}

	var skCache keyCacher = neverCache{}
	if config.Policy.CacheSystemKeys {
		skCache = newKeyCache(systemKeyCache, config.Policy)
	}

	factory := &SessionFactory{
		Config:        config,
		Metastore:     store,
		KMS:           kms,
		Crypto:        crypto,
		SecretFactory: new(memguard.SecretFactory),

		systemKeys: skCache,
	}

	if config.Policy.CacheIntermediateKeys && config.Policy.SharedIntermediateKeyCache {
		factory.sharedIKs = newKeyCache(intermediateKeyCache, config.Policy)
	}

	if config.Policy.CacheSessions {
		factory.sessions = newSessionCache(func(id string) (*Session, error) {
			return newSession(factory, id)
		}, config.Policy)
	}

	for _, opt := range opts {
		opt(factory)
	}

	return factory, nil
}

// GetSession returns a session scoped to the provided partition id.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "partition id cannot be empty")
	}

	if f.Config.Policy.CacheSessions {
		return f.sessions.Get(id)
	}

	return newSession(f, id)
}

// Close drains the session cache, then releases the factory-owned key
// caches. Call it when the factory is no longer needed. Close is
// idempotent.
func (f *SessionFactory) Close() error {
	if f.Config.Policy.CacheSessions {
		f.sessions.Close()
	}

	if f.sharedIKs != nil {
		if err := f.sharedIKs.Close(); err != nil {
			return err
		}
	}

	return f.systemKeys.Close()
}

func newSession(f *SessionFactory, id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:     f.newPartition(id),
			metastore:     f.Metastore,
			kms:           f.KMS,
			policy:        f.Config.Policy,
			crypto:        f.Crypto,
			secretFactory: f.SecretFactory,

			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIKCache(),
		},
	}

	log.Debugf("[newSession] id %s: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

// newPartition consults the metastore for a region suffix; metastores
// that advertise one produce suffixed key identifiers.
func (f *SessionFactory) newPartition(id string) partition {
	if v, ok := f.Metastore.(interface{ GetRegionSuffix() string }); ok && v.GetRegionSuffix() != "" {
		return newSuffixedPartition(id, f.Config.Service, f.Config.Product, v.GetRegionSuffix())
	}

	return newPartition(id, f.Config.Service, f.Config.Product)
}

func (f *SessionFactory) newIKCache() keyCacher {
	if !f.Config.Policy.CacheIntermediateKeys {
		return neverCache{}
	}

	if f.sharedIKs != nil {
		return sharedKeyCache{f.sharedIKs}
	}

	return newKeyCache(intermediateKeyCache, f.Config.Policy)
}

// sharedKeyCache hands a factory-owned cache to a session while keeping
// the close authority with the factory.
type sharedKeyCache struct {
	keyCacher
}

// Close is a no-op; the owning factory closes the underlying cache.
func (sharedKeyCache) Close() error {
	return nil
}

// Session encrypts and decrypts data for a single partition id.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data and returns a DataRowRecord carrying everything
// needed to decrypt it later.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt decrypts a DataRowRecord produced by Encrypt and returns the
// original payload.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load retrieves the row record stored under key from the provided
// store and returns the decrypted payload.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if drr == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "no row record for key %v", key)
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting row record to the
// provided store, returning the key under which it was stored.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases the session's resources. Call it as soon as the
// session is no longer in use. Close is idempotent.
func (s *Session) Close() error {
	return s.encryption.Close()
}
