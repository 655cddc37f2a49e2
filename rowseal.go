// Package rowseal implements application-level envelope encryption with a
// hierarchical key model. A SessionFactory is created once at application
// start and handed the collaborators (metastore, key management service,
// AEAD cipher); sessions obtained from it encrypt payloads into
// self-describing row records scoped to a partition.
//
// Sessions hold locked memory for their cached keys and should be closed
// promptly when no longer in use. See the mlock documentation (ulimit -l)
// for the limits that apply to locked memory.
package rowseal

import "context"

// AES256KeySize is the key length, in bytes, used for every key in the
// hierarchy.
const AES256KeySize int = 32

// Encryption is implemented by the envelope-encryption engine backing a
// session.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord carrying
	// everything needed to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)
	// DecryptDataRowRecord decrypts a DataRowRecord produced by
	// EncryptPayload and returns the original payload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)
	// Close releases all resources held by the engine. Call it as soon
	// as the engine is no longer in use.
	Close() error
}

// KeyManagementService wraps system keys with a master key held by an
// external service.
type KeyManagementService interface {
	// EncryptKey encrypts keyBytes under the master key. The result is
	// what gets persisted to the metastore.
	EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error)
	// DecryptKey reverses EncryptKey.
	DecryptKey(ctx context.Context, encKeyBytes []byte) ([]byte, error)
}

// Metastore persists envelope key records addressed by id and created
// timestamp.
type Metastore interface {
	// Load retrieves the record matching id and created, or nil if no
	// such record exists.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)
	// LoadLatest retrieves the newest record for id, or nil if none
	// exists. Implementations must read with strong consistency where
	// the backing store offers it.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)
	// Store inserts the record if no record with the same id and created
	// already exists. It returns false, and does not insert, when such a
	// record is present; concurrent writers race safely on this.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD encrypts and decrypts byte slices with an authenticated cipher.
type AEAD interface {
	// Encrypt encrypts data using the provided key bytes.
	Encrypt(data, key []byte) ([]byte, error)
	// Decrypt decrypts data using the provided key bytes.
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves previously stored row records from a caller-supplied
// persistence store.
type Loader interface {
	// Load returns the DataRowRecord for key, if found.
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists row records to a caller-supplied persistence store.
type Storer interface {
	// Store persists d and returns the key under which it can be loaded
	// later (e.g. a UUID).
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}
