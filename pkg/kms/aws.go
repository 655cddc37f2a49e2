package kms

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal"
	"github.com/rowseal/rowseal/internal"
	"github.com/rowseal/rowseal/pkg/log"
)

var (
	_ rowseal.KeyManagementService = (*AWSKMS)(nil)

	clientFactory = awskms.New

	encryptKeyTimer = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// KMSClient is the subset of the AWS KMS client used by this driver.
type KMSClient interface {
	EncryptWithContext(aws.Context, *awskms.EncryptInput, ...request.Option) (*awskms.EncryptOutput, error)
	GenerateDataKeyWithContext(aws.Context, *awskms.GenerateDataKeyInput, ...request.Option) (*awskms.GenerateDataKeyOutput, error)
	DecryptWithContext(aws.Context, *awskms.DecryptInput, ...request.Option) (*awskms.DecryptOutput, error)
}

// regionalClient pairs a KMS client with the region and master key ARN
// it serves.
type regionalClient struct {
	KMS    KMSClient
	Region string
	ARN    string
}

// AWSKMS wraps system keys in every configured region so any one region
// can unwrap them later. Regions are tried preferred-region-first; an
// error is surfaced only after all candidates fail.
type AWSKMS struct {
	Crypto  rowseal.AEAD
	Clients []regionalClient
}

// NewAWS builds an AWSKMS for the region → master key ARN map. The
// preferred region is tried first on every operation.
func NewAWS(crypto rowseal.AEAD, preferredRegion string, arnMap map[string]string) (*AWSKMS, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrapf(rowseal.ErrKMS, "unable to create AWS session: %v", err)
	}

	if len(arnMap) == 0 {
		return nil, errors.Wrap(rowseal.ErrInvalidConfig, "at least one region ARN is required")
	}

	clients := make([]regionalClient, 0, len(arnMap))
	for region, arn := range arnMap {
		clients = append(clients, regionalClient{
			KMS:    clientFactory(sess, aws.NewConfig().WithRegion(region)),
			Region: region,
			ARN:    arn,
		})
	}

	return newAWS(crypto, preferredRegion, clients), nil
}

func newAWS(crypto rowseal.AEAD, preferredRegion string, clients []regionalClient) *AWSKMS {
	sort.SliceStable(clients, func(i, _ int) bool {
		return clients[i].Region == preferredRegion
	})

	return &AWSKMS{
		Crypto:  crypto,
		Clients: clients,
	}
}

// kekEnvelope is the persisted structure for an AWS-wrapped system key:
// the key ciphertext plus the per-region wraps of the key-encryption
// key. It is opaque to the engine.
type kekEnvelope struct {
	EncryptedKey []byte       `json:"encryptedKey"`
	KMSKEKs      regionalKeys `json:"kmsKeks"`
}

type regionalKeys []regionalKey

// get returns the wrap for region, or nil.
func (k regionalKeys) get(region string) *regionalKey {
	for i := range k {
		if k[i].Region == region {
			return &k[i]
		}
	}

	return nil
}

// regionalKey is one region's wrap of the key-encryption key.
type regionalKey struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

// EncryptKey generates a key-encryption key via KMS, encrypts keyBytes
// under it, wraps the KEK in every configured region, and returns the
// JSON envelope.
func (m *AWSKMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer internal.MemClr(dataKey.Plaintext)

	encryptedKey, err := m.Crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, err
	}

	envelope := kekEnvelope{
		EncryptedKey: encryptedKey,
		KMSKEKs:      make(regionalKeys, 0, len(m.Clients)),
	}

	for k := range m.encryptAllRegions(ctx, dataKey) {
		envelope.KMSKEKs = append(envelope.KMSKEKs, k)
	}

	if len(envelope.KMSKEKs) == 0 {
		return nil, errors.Wrap(rowseal.ErrKMS, "no region succeeded in wrapping the key")
	}

	return json.Marshal(envelope)
}

// encryptAllRegions wraps the KEK under every region's master key. The
// generating region's wrap comes straight from the GenerateDataKey
// response; the rest are encrypted concurrently. Failed regions are
// skipped.
func (m *AWSKMS) encryptAllRegions(ctx context.Context, resp *awskms.GenerateDataKeyOutput) <-chan regionalKey {
	var wg sync.WaitGroup

	results := make(chan regionalKey, len(m.Clients))

	for i := range m.Clients {
		c := &m.Clients[i]

		if c.ARN == *resp.KeyId {
			results <- regionalKey{
				Region:       c.Region,
				ARN:          c.ARN,
				EncryptedKEK: resp.CiphertextBlob,
			}

			continue
		}

		wg.Add(1)

		go func(c *regionalClient) {
			defer wg.Done()
			defer encryptKeyTimer.UpdateSince(time.Now())

			out, err := c.KMS.EncryptWithContext(ctx, &awskms.EncryptInput{
				KeyId:     aws.String(c.ARN),
				Plaintext: resp.Plaintext,
			})
			if err != nil {
				log.Debugf("kms encrypt failed in region %s: %v", c.Region, err)
				return
			}

			results <- regionalKey{
				Region:       c.Region,
				ARN:          c.ARN,
				EncryptedKEK: out.CiphertextBlob,
			}
		}(c)
	}

	go func() {
		defer close(results)

		wg.Wait()
	}()

	return results
}

// generateDataKey requests a fresh 256-bit key-encryption key, trying
// each region in preference order until one succeeds.
func (m *AWSKMS) generateDataKey(ctx context.Context) (*awskms.GenerateDataKeyOutput, error) {
	for i := range m.Clients {
		c := &m.Clients[i]

		start := time.Now()

		resp, err := c.KMS.GenerateDataKeyWithContext(ctx, &awskms.GenerateDataKeyInput{
			KeyId:   &c.ARN,
			KeySpec: aws.String(awskms.DataKeySpecAes256),
		})

		metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".kms.aws.generatedatakey."+c.Region, nil).UpdateSince(start)

		if err != nil {
			log.Debugf("generate data key failed in region %s, trying next: %v", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.Wrap(rowseal.ErrKMS, "all regions failed to generate a data key")
}

// DecryptKey unwraps the envelope produced by EncryptKey, trying the
// regions in preference order.
func (m *AWSKMS) DecryptKey(ctx context.Context, encKeyBytes []byte) ([]byte, error) {
	var envelope kekEnvelope

	if err := json.Unmarshal(encKeyBytes, &envelope); err != nil {
		return nil, errors.Wrapf(rowseal.ErrKMS, "unable to unmarshal key envelope: %v", err)
	}

	for i := range m.Clients {
		c := &m.Clients[i]

		kek := envelope.KMSKEKs.get(c.Region)
		if kek == nil {
			continue
		}

		start := time.Now()

		out, err := c.KMS.DecryptWithContext(ctx, &awskms.DecryptInput{
			CiphertextBlob: kek.EncryptedKEK,
		})

		decryptKeyTimer.UpdateSince(start)

		if err != nil {
			log.Debugf("kms decrypt failed in region %s: %v", c.Region, err)
			continue
		}

		keyBytes, err := func() ([]byte, error) {
			defer internal.MemClr(out.Plaintext)

			return m.Crypto.Decrypt(envelope.EncryptedKey, out.Plaintext)
		}()
		if err != nil {
			log.Debugf("key unwrap failed with region %s KEK: %v", c.Region, err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.Wrap(rowseal.ErrKMS, "decrypt failed in all regions")
}
