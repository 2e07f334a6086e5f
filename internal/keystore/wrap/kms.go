package wrap

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/haukened/biogate/internal/keystore"
)

var _ keystore.Wrapper = (*CloudKMS)(nil)

// kmsAPI is the subset of the Cloud KMS client used for wrapping.
type kmsAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

// CloudKMS wraps key material with a Cloud KMS symmetric key, so the
// wrapping key never leaves Google's HSM/software keyrings.
type CloudKMS struct {
	client  kmsAPI
	keyName string
}

// NewCloudKMS dials Cloud KMS with application default credentials.
// keyName is the full CryptoKey resource name.
func NewCloudKMS(ctx context.Context, keyName string) (*CloudKMS, error) {
	if keyName == "" {
		return nil, errors.New("kms key name is required")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &CloudKMS{client: client, keyName: keyName}, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(crc32.Checksum(b, crcTable)))
}

// Wrap encrypts plain with the configured CryptoKey.
func (c *CloudKMS) Wrap(ctx context.Context, name string, plain []byte) ([]byte, error) {
	aad := []byte(name)
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              c.keyName,
		Plaintext:                         plain,
		PlaintextCrc32C:                   checksum(plain),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: checksum(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if !resp.GetVerifiedPlaintextCrc32C() || !resp.GetVerifiedAdditionalAuthenticatedDataCrc32C() {
		return nil, errors.New("encrypting: request corrupted in transit")
	}
	if resp.GetCiphertextCrc32C().GetValue() != checksum(resp.GetCiphertext()).GetValue() {
		return nil, errors.New("encrypting: response corrupted in transit")
	}
	return resp.GetCiphertext(), nil
}

// Unwrap decrypts a blob produced by Wrap for the same name.
func (c *CloudKMS) Unwrap(ctx context.Context, name string, wrapped []byte) ([]byte, error) {
	aad := []byte(name)
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              c.keyName,
		Ciphertext:                        wrapped,
		CiphertextCrc32C:                  checksum(wrapped),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: checksum(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if resp.GetPlaintextCrc32C().GetValue() != checksum(resp.GetPlaintext()).GetValue() {
		return nil, errors.New("decrypting: response corrupted in transit")
	}
	return resp.GetPlaintext(), nil
}

// Close closes the KMS client.
func (c *CloudKMS) Close() error {
	return c.client.Close()
}
