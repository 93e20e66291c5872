package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"gopkg.in/yaml.v3"
)

// DocumentVersion is the only supported policy document schema version.
const DocumentVersion = "1"

// Errors returned by document parsing and signature verification.
var (
	// ErrSignatureInvalid indicates the document signature verification failed.
	ErrSignatureInvalid = stderrors.New("policy document signature verification failed")
	// ErrSignatureMissing indicates the document has no signature envelope.
	ErrSignatureMissing = stderrors.New("policy document signature missing")
	// ErrSignatureEnforced indicates verification is enabled but the document is unsigned.
	ErrSignatureEnforced = stderrors.New("policy document not signed (signature verification enabled)")
)

// Document is the YAML authoring format for policies, used by
// `citadel policy import`. IDs, timestamps, and effectiveness scores are
// assigned at import time; the document carries only the authored fields.
type Document struct {
	Version  string           `yaml:"version"`
	Policies []DocumentPolicy `yaml:"policies"`
}

// DocumentPolicy is one policy definition inside a Document.
// Active defaults to true when omitted.
type DocumentPolicy struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Active   *bool  `yaml:"active,omitempty"`
	Rules    []Rule `yaml:"rules"`
}

// ParseDocument parses a YAML policy document with strict field checking.
// Unknown keys are rejected so a typo cannot silently weaken a rule.
func ParseDocument(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty policy document")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	if doc.Version == "" {
		return nil, fmt.Errorf("missing version field")
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported document version %q (want %q)", doc.Version, DocumentVersion)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("document contains no policies")
	}
	return &doc, nil
}

// Materialize converts the document into storable Policy records, assigning
// fresh IDs and timestamps. The returned policies are validated.
func (d *Document) Materialize(createdBy string, now time.Time) ([]*Policy, error) {
	policies := make([]*Policy, 0, len(d.Policies))
	for i := range d.Policies {
		dp := &d.Policies[i]
		active := true
		if dp.Active != nil {
			active = *dp.Active
		}
		p := &Policy{
			ID:        NewPolicyID(),
			Name:      dp.Name,
			Priority:  dp.Priority,
			Active:    active,
			CreatedBy: createdBy,
			Rules:     CloneRules(dp.Rules),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i+1, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// SignatureMetadata describes a document signature, stored alongside the
// signature bytes for verification and auditing.
type SignatureMetadata struct {
	// KeyID is the KMS key ARN or ID used for signing.
	KeyID string `json:"key_id"`
	// Algorithm is the signing algorithm (e.g., RSASSA_PSS_SHA_256).
	Algorithm string `json:"algorithm"`
	// SignedAt is when the signature was created.
	SignedAt time.Time `json:"signed_at"`
	// PolicyHash is the SHA-256 hash of the document bytes (hex encoded).
	// It allows a quick tamper check without calling KMS.
	PolicyHash string `json:"policy_hash"`
}

// Validate checks that the metadata has all required fields.
func (m *SignatureMetadata) Validate() error {
	if m.KeyID == "" {
		return fmt.Errorf("signature metadata: key_id is required")
	}
	if m.Algorithm == "" {
		return fmt.Errorf("signature metadata: algorithm is required")
	}
	if m.SignedAt.IsZero() {
		return fmt.Errorf("signature metadata: signed_at is required")
	}
	if m.PolicyHash == "" {
		return fmt.Errorf("signature metadata: policy_hash is required")
	}
	return nil
}

// SignatureEnvelope is the JSON structure written next to a signed policy
// document (conventionally <doc>.sig.json).
type SignatureEnvelope struct {
	// Signature is the raw signature bytes from KMS.
	Signature []byte `json:"signature"`
	// Metadata describes the signing operation.
	Metadata SignatureMetadata `json:"metadata"`
}

// ValidateHash reports whether the envelope's PolicyHash matches the given
// document bytes. A match does not prove the signature is valid; it only
// confirms the bytes are the ones that were signed. Constant-time compare
// so the expected hash cannot be probed.
func (e *SignatureEnvelope) ValidateHash(docYAML []byte) bool {
	if e.Metadata.PolicyHash == "" {
		return false
	}
	computed := ComputeDocumentHash(docYAML)
	return subtle.ConstantTimeCompare([]byte(e.Metadata.PolicyHash), []byte(computed)) == 1
}

// ComputeDocumentHash computes the SHA-256 hash of policy document bytes,
// returned as a lowercase hex string.
func ComputeDocumentHash(docYAML []byte) string {
	hash := sha256.Sum256(docYAML)
	return hex.EncodeToString(hash[:])
}

// SignDocument signs the document bytes with the given signer and returns
// the envelope to store alongside the document.
func SignDocument(ctx context.Context, signer *PolicySigner, docYAML []byte) (*SignatureEnvelope, error) {
	sig, err := signer.Sign(ctx, docYAML)
	if err != nil {
		return nil, fmt.Errorf("signing policy document: %w", err)
	}
	return &SignatureEnvelope{
		Signature: sig,
		Metadata: SignatureMetadata{
			KeyID:      signer.KeyID(),
			Algorithm:  string(signer.Algorithm()),
			SignedAt:   time.Now().UTC(),
			PolicyHash: ComputeDocumentHash(docYAML),
		},
	}, nil
}

// VerifyingLoader parses policy documents after validating their KMS
// signature. With verification enabled, unsigned documents are rejected;
// otherwise they load with a logged warning.
type VerifyingLoader struct {
	signer  *PolicySigner
	enforce bool
}

// VerifyingLoaderOption configures a VerifyingLoader.
type VerifyingLoaderOption func(*VerifyingLoader)

// WithEnforcement configures whether unsigned documents are rejected.
func WithEnforcement(enforce bool) VerifyingLoaderOption {
	return func(v *VerifyingLoader) {
		v.enforce = enforce
	}
}

// NewVerifyingLoader creates a loader verifying with the given signer.
func NewVerifyingLoader(signer *PolicySigner, opts ...VerifyingLoaderOption) *VerifyingLoader {
	v := &VerifyingLoader{
		signer:  signer,
		enforce: false,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load verifies and parses a policy document. envelopeJSON may be nil when
// the document is unsigned; that is an error only when enforcement is on.
// Returns:
//   - the document if the signature is valid (or absent with enforcement off)
//   - ErrSignatureEnforced for unsigned documents when enforcement is on
//   - ErrSignatureInvalid when the signature does not match the document
func (v *VerifyingLoader) Load(ctx context.Context, docYAML, envelopeJSON []byte) (*Document, error) {
	if len(bytes.TrimSpace(envelopeJSON)) == 0 {
		if v.enforce {
			return nil, ErrSignatureEnforced
		}
		log.Printf("WARNING: policy document has no signature, loading without verification")
		return ParseDocument(docYAML)
	}

	var envelope SignatureEnvelope
	if err := json.Unmarshal(envelopeJSON, &envelope); err != nil {
		return nil, fmt.Errorf("parsing signature envelope: %w", err)
	}

	// Cheap tamper check before the KMS round trip.
	if !envelope.ValidateHash(docYAML) {
		return nil, fmt.Errorf("document hash mismatch: %w", ErrSignatureInvalid)
	}

	valid, err := v.signer.Verify(ctx, docYAML, envelope.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature verification: %w", err)
	}
	if !valid {
		return nil, ErrSignatureInvalid
	}

	return ParseDocument(docYAML)
}
