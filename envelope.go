package rowseal

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal/internal"
	"github.com/rowseal/rowseal/pkg/log"
	"github.com/rowseal/rowseal/securemem"
)

// MetricsPrefix prefixes all metric names registered by the SDK.
const MetricsPrefix = "rowseal"

// Envelope metrics.
var (
	encryptTimer     = metrics.GetOrRegisterTimer(MetricsPrefix+".drr.encrypt", nil)
	decryptTimer     = metrics.GetOrRegisterTimer(MetricsPrefix+".drr.decrypt", nil)
	clockSkewCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".metastore.clock-skew", nil)
)

// skewTolerance is how far into the future a persisted key's creation
// timestamp may lie before it is reported as clock skew. Such keys are
// still used.
const skewTolerance = time.Minute

// shedCount is how many cache entries are evicted from each key cache
// when a secure memory allocation hits its resource limit.
const shedCount = 8

// KeyMeta identifies a persisted key by id and creation timestamp.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest returns true if the meta is an id-only reference to the
// newest key for that id.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

// String returns a string with the KeyMeta values.
func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta [keyId=%s created=%d]", m.ID, m.Created)
}

// EnvelopeKeyRecord is the persisted form of a wrapped key: the
// ciphertext of the key, its creation timestamp, and the identity of the
// parent key that wraps it.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// DataRowRecord is returned to callers on encrypt and accepted on
// decrypt: the payload ciphertext plus an inline key record for the data
// key that produced it. Persist it as-is; it is all that is needed to
// decrypt later.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// Verify envelopeEncryption implements the Encryption interface.
var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption drives the system/intermediate/data key hierarchy
// for a single partition.
type envelopeEncryption struct {
	partition     partition
	metastore     Metastore
	kms           KeyManagementService
	policy        *CryptoPolicy
	crypto        AEAD
	secretFactory securemem.SecretFactory

	systemKeys       keyCacher
	intermediateKeys keyCacher
}

// parentKey is satisfied by both raw and cached keys when unwrapping a
// child record.
type parentKey interface {
	internal.BytesFuncAccessor

	Created() int64
}

// EncryptPayload encrypts data under a fresh data key, wraps the data key
// under the partition's latest intermediate key, and returns the
// resulting row record.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	ik, err := e.intermediateKeys.GetOrLoadLatest(e.partition.IntermediateKeyID(), keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateIntermediateKey(ctx)
	}))
	if err != nil {
		return nil, err
	}

	defer ik.Close()

	// Data keys are never persisted or cached, so their timestamps are
	// not truncated; truncation only exists to throttle SK/IK creation.
	drk, err := e.generateDataKey()
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	wrappedDRK, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: wrappedDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord resolves the intermediate key referenced by drr,
// unwraps the data key, and returns the decrypted payload.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "row record has no key record")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "key record has no parent key meta")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.Wrapf(ErrPartitionMismatch, "intermediate key id %q", drr.Key.ParentKeyMeta.ID)
	}

	meta := *drr.Key.ParentKeyMeta

	ik, err := e.intermediateKeys.GetOrLoad(meta, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, meta)
	}))
	if err != nil {
		return nil, err
	}

	defer ik.Close()

	return decryptRow(ik, drr, e.crypto)
}

// Close releases the engine's intermediate key cache. The system key
// cache is owned by the factory.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}

// decryptRow unwraps drr's data key using ik and decrypts the payload.
// The unwrapped data key bytes are wiped before returning.
func decryptRow(ik internal.BytesFuncAccessor, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}

		defer internal.MemClr(rawDRK)

		return crypto.Decrypt(drr.Data, rawDRK)
	})
}

// loadLatestOrCreateIntermediateKey resolves the newest usable
// intermediate key for this partition, creating one when the metastore
// has no acceptable candidate.
func (e *envelopeEncryption) loadLatestOrCreateIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	id := e.partition.IntermediateKeyID()

	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(ErrMetastoreUnavailable, "loading latest intermediate key: %v", err)
	}

	e.noteClockSkew(id, ekr)

	if ekr == nil || ekr.ParentKeyMeta == nil || e.isEnvelopeInvalid(ekr) {
		return e.createIntermediateKey(ctx, priorCreated(ekr))
	}

	sk, err := e.systemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		// The latest IK exists but its parent can't be resolved right
		// now; mint a fresh IK under the current system key instead.
		return e.createIntermediateKey(ctx, priorCreated(ekr))
	}

	defer sk.Close()

	if internal.IsKeyInvalid(sk.CryptoKey, e.policy.ExpireKeyAfter) {
		return e.createIntermediateKey(ctx, priorCreated(ekr))
	}

	ik, err := e.intermediateKeyFromEKR(ctx, sk, ekr)
	if err != nil {
		return e.createIntermediateKey(ctx, priorCreated(ekr))
	}

	return ik, nil
}

// priorCreated returns the creation timestamp of the rejected latest
// record, or zero when there was none. A successor's timestamp must land
// strictly after it so the two never share an identity.
func priorCreated(ekr *EnvelopeKeyRecord) int64 {
	if ekr == nil {
		return 0
	}

	return ekr.Created
}

// createIntermediateKey generates a new intermediate key under the
// latest system key and persists it. If another writer persists one
// first, the generated key is discarded and the winner adopted. prior
// is the creation timestamp of the latest record that was rejected, if
// any; the new key is stamped after it.
func (e *envelopeEncryption) createIntermediateKey(ctx context.Context, prior int64) (*internal.CryptoKey, error) {
	sk, err := e.systemKeys.GetOrLoadLatest(e.partition.SystemKeyID(), keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateSystemKey(ctx)
	}))
	if err != nil {
		return nil, err
	}

	defer sk.Close()

	ik, err := e.generateKey(e.policy.IntermediateKeyPrecision, prior)
	if err != nil {
		return nil, err
	}

	wrapped, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		ik.Close()

		return nil, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: wrapped,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	inserted, err := e.store(ctx, ekr)
	if err != nil {
		ik.Close()

		return nil, err
	}

	if inserted {
		return ik, nil
	}

	// Another writer won the race; our key is useless now.
	ik.Close()

	winner, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(ctx, sk, winner)
}

// loadLatestOrCreateSystemKey resolves the newest usable system key,
// creating one under the KMS master key when the metastore has no
// acceptable candidate.
func (e *envelopeEncryption) loadLatestOrCreateSystemKey(ctx context.Context) (*internal.CryptoKey, error) {
	id := e.partition.SystemKeyID()

	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(ErrMetastoreUnavailable, "loading latest system key: %v", err)
	}

	e.noteClockSkew(id, ekr)

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey(e.policy.SystemKeyPrecision, priorCreated(ekr))
	if err != nil {
		return nil, err
	}

	wrapped, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.kms.EncryptKey(ctx, skBytes)
	})
	if err != nil {
		sk.Close()

		return nil, errors.Wrapf(ErrKMS, "wrapping system key: %v", err)
	}

	newEKR := &EnvelopeKeyRecord{
		ID:           id,
		Created:      sk.Created(),
		EncryptedKey: wrapped,
	}

	inserted, err := e.store(ctx, newEKR)
	if err != nil {
		sk.Close()

		return nil, err
	}

	if inserted {
		return sk, nil
	}

	sk.Close()

	winner, err := e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, winner)
}

// systemKey resolves a specific system key through the shared cache.
func (e *envelopeEncryption) systemKey(ctx context.Context, meta KeyMeta) (*cachedKey, error) {
	return e.systemKeys.GetOrLoad(meta, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	}))
}

// loadSystemKey fetches a known system key record and unwraps it via the
// key management service.
func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrapf(ErrMetastoreUnavailable, "loading system key %s-%d: %v", meta.ID, meta.Created, err)
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "system key %s-%d", meta.ID, meta.Created)
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// systemKeyFromEKR unwraps ekr via the key management service.
func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	raw, err := e.kms.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrapf(ErrKMS, "unwrapping system key: %v", err)
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, raw)
}

// loadIntermediateKey fetches a known intermediate key record and
// unwraps it using its named system key.
func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrapf(ErrMetastoreUnavailable, "loading intermediate key %s-%d: %v", meta.ID, meta.Created, err)
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "intermediate key %s-%d", meta.ID, meta.Created)
	}

	if ekr.ParentKeyMeta == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "intermediate key %s-%d has no parent key meta", meta.ID, meta.Created)
	}

	sk, err := e.systemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer sk.Close()

	return e.intermediateKeyFromEKR(ctx, sk, ekr)
}

// intermediateKeyFromEKR unwraps ekr with sk. When the record names a
// different parent than sk — the system key rotated between the
// record's creation and now — the named parent is resolved and used
// instead.
func (e *envelopeEncryption) intermediateKeyFromEKR(ctx context.Context, sk parentKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		actual, err := e.systemKey(ctx, *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		defer actual.Close()

		sk = actual
	}

	raw, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, raw)
}

// store persists ekr unless a record with the same identity already
// exists. A fired context is honored before any write reaches the
// metastore; store errors surface as ErrMetastoreUnavailable rather than
// being mistaken for duplicates.
func (e *envelopeEncryption) store(ctx context.Context, ekr *EnvelopeKeyRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	inserted, err := e.metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	if err != nil {
		return false, errors.Wrapf(ErrMetastoreUnavailable, "storing %s-%d: %v", ekr.ID, ekr.Created, err)
	}

	return inserted, nil
}

// mustLoadLatest reloads the latest record for id after losing a store
// race; the winner's record must exist.
func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(ErrMetastoreUnavailable, "reloading latest %s: %v", id, err)
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrMetadataMissing, "no record for %s after duplicate store", id)
	}

	return ekr, nil
}

// isEnvelopeInvalid returns true if ekr is revoked or past the policy's
// expiration, making it unusable as a latest key for new encryptions.
func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return ekr.Revoked || internal.IsKeyExpired(ekr.Created, e.policy.ExpireKeyAfter)
}

// noteClockSkew records a telemetry event when a loaded record claims a
// creation time further in the future than the skew tolerance allows.
// The record is still used.
func (e *envelopeEncryption) noteClockSkew(id string, ekr *EnvelopeKeyRecord) {
	if ekr == nil {
		return
	}

	if ekr.Created > time.Now().Add(skewTolerance).Unix() {
		clockSkewCounter.Inc(1)
		log.Debugf("key record %s-%d is from the future; clock skew suspected", id, ekr.Created)
	}
}

// generateKey creates a random key stamped with the current time
// truncated to precision. When a rejected predecessor occupies that
// timestamp, the successor is stamped one precision interval after it so
// their identities never collide.
func (e *envelopeEncryption) generateKey(precision time.Duration, prior int64) (*internal.CryptoKey, error) {
	created := newKeyTimestamp(precision)

	if prior >= created {
		step := int64(precision / time.Second)
		if step < 1 {
			step = 1
		}

		created = prior + step
	}

	return e.generateKeyAt(created)
}

// generateDataKey creates a random data key with an untruncated
// timestamp.
func (e *envelopeEncryption) generateDataKey() (*internal.CryptoKey, error) {
	return e.generateKeyAt(time.Now().Unix())
}

// generateKeyAt allocates a random key, shedding cached keys (each
// cache's eviction-policy victims) and retrying once if secure memory is
// exhausted.
func (e *envelopeEncryption) generateKeyAt(created int64) (*internal.CryptoKey, error) {
	k, err := internal.GenerateKey(e.secretFactory, created, AES256KeySize)
	if err != nil && errors.Is(err, securemem.ErrResourceLimit) {
		freed := e.systemKeys.shed(shedCount) + e.intermediateKeys.shed(shedCount)
		log.Debugf("secure memory limit hit; evicted %d cached keys and retrying", freed)

		return internal.GenerateKey(e.secretFactory, created, AES256KeySize)
	}

	return k, err
}
