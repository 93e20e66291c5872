package policy

import (
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI defines the KMS operations used by PolicySigner.
// This interface enables testing with mock implementations.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	Verify(ctx context.Context, params *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error)
}

// DefaultSigningAlgorithm is the algorithm used for policy document signing.
// RSASSA_PSS_SHA_256 provides strong security with good compatibility.
const DefaultSigningAlgorithm = types.SigningAlgorithmSpecRsassaPssSha256

// PolicySigner signs and verifies policy documents using AWS KMS asymmetric
// keys. Signatures guard the policy load path against cache poisoning: a
// document that fails verification never reaches the evaluation snapshot.
//
// Example usage:
//
//	signer := NewPolicySigner(awsCfg, "alias/citadel-policy-signing")
//	envelope, err := SignDocument(ctx, signer, docYAML)
type PolicySigner struct {
	client    KMSAPI
	keyID     string
	algorithm types.SigningAlgorithmSpec
}

// NewPolicySigner creates a new PolicySigner using the provided AWS
// configuration. The keyID can be a KMS key ID, key ARN, alias name, or
// alias ARN.
//
// Example key IDs:
//   - Key ID: "1234abcd-12ab-34cd-56ef-1234567890ab"
//   - Key ARN: "arn:aws:kms:us-east-1:123456789012:key/1234abcd-12ab-34cd-56ef-1234567890ab"
//   - Alias name: "alias/citadel-policy-signing"
//   - Alias ARN: "arn:aws:kms:us-east-1:123456789012:alias/citadel-policy-signing"
func NewPolicySigner(cfg aws.Config, keyID string) *PolicySigner {
	return &PolicySigner{
		client:    kms.NewFromConfig(cfg),
		keyID:     keyID,
		algorithm: DefaultSigningAlgorithm,
	}
}

// NewPolicySignerWithClient creates a PolicySigner with a custom KMS client.
// This is primarily used for testing with mock clients.
func NewPolicySignerWithClient(client KMSAPI, keyID string) *PolicySigner {
	return &PolicySigner{
		client:    client,
		keyID:     keyID,
		algorithm: DefaultSigningAlgorithm,
	}
}

// KeyID returns the configured KMS key identifier.
func (s *PolicySigner) KeyID() string {
	return s.keyID
}

// Algorithm returns the configured signing algorithm.
func (s *PolicySigner) Algorithm() types.SigningAlgorithmSpec {
	return s.algorithm
}

// Sign creates a cryptographic signature for the given document bytes.
//
// The document is signed directly as the message (MessageType RAW), not as
// a pre-computed digest, so the signature covers the exact bytes that will
// be verified later.
func (s *PolicySigner) Sign(ctx context.Context, docYAML []byte) ([]byte, error) {
	output, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          docYAML,
		MessageType:      types.MessageTypeRaw,
		SigningAlgorithm: s.algorithm,
	})
	if err != nil {
		return nil, err
	}

	return output.Signature, nil
}

// Verify checks if the signature is valid for the given document bytes.
// Returns:
//   - (true, nil) if the signature is valid
//   - (false, nil) if the signature is invalid (normal validation result)
//   - (false, error) if verification failed due to KMS errors (key not found, etc.)
//
// An invalid signature is NOT an error. Errors are reserved for
// infrastructure issues like missing keys or network failures.
func (s *PolicySigner) Verify(ctx context.Context, docYAML []byte, signature []byte) (bool, error) {
	output, err := s.client.Verify(ctx, &kms.VerifyInput{
		KeyId:            aws.String(s.keyID),
		Message:          docYAML,
		MessageType:      types.MessageTypeRaw,
		Signature:        signature,
		SigningAlgorithm: s.algorithm,
	})
	if err != nil {
		// KMS reports a bad signature as an error; fold it into the
		// (false, nil) validation result.
		var invalidSig *types.KMSInvalidSignatureException
		if stderrors.As(err, &invalidSig) {
			return false, nil
		}
		return false, err
	}

	return output.SignatureValid, nil
}
