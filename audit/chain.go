package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Common errors returned by Chain implementations.
var (
	// ErrEventNotFound is returned when no event exists for the given
	// transaction ID or block number.
	ErrEventNotFound = errors.New("audit event not found")
	// ErrBlockOutOfRange is returned when a verification range extends
	// past the chain head or starts below block 1.
	ErrBlockOutOfRange = errors.New("block range outside chain")
)

// Chain is the audit anchoring capability. Append links the event to the
// chain head and returns a receipt; Verify proves a single event is still
// recorded unmodified; VerifyChain proves a block range still links.
//
// Append must complete within the caller's deadline (the decision path
// budgets 5 s p95); implementations must not buffer events in memory.
type Chain interface {
	// Append assigns the event its chain position, hashes it, and stores
	// it. The event's receipt fields are populated on return.
	Append(ctx context.Context, event *AuditEvent) (*Receipt, error)

	// Verify recomputes the hash of the caller's event at the stored
	// chain position and compares it to the recorded hash. A false
	// return means the caller's event does not match what was anchored.
	Verify(ctx context.Context, transactionID string, event *AuditEvent) (bool, error)

	// VerifyChain checks previous_hash linkage and stored hashes for
	// every block in [startBlock, endBlock]. Returns false on the first
	// break.
	VerifyChain(ctx context.Context, startBlock, endBlock int64) (bool, error)
}

// Log extends Chain with the read surface consumed by threat detection
// and the automated-response sweeps.
type Log interface {
	Chain

	// GetBlock returns the event at the given chain position.
	GetBlock(ctx context.Context, blockNumber int64) (*AuditEvent, error)

	// GetByTransaction returns the event appended under the receipt's
	// transaction ID.
	GetByTransaction(ctx context.Context, transactionID string) (*AuditEvent, error)

	// ListByPrincipalSince returns the principal's events at or after
	// since, oldest first, up to limit.
	ListByPrincipalSince(ctx context.Context, principalID string, since time.Time, limit int) ([]*AuditEvent, error)

	// ListSince returns all events at or after since, oldest first, up
	// to limit.
	ListSince(ctx context.Context, since time.Time, limit int) ([]*AuditEvent, error)

	// Head returns the current chain length. Zero means an empty chain.
	Head(ctx context.Context) (int64, error)
}

// CanonicalJSON encodes the event's hashable fields as RFC 8785 canonical
// JSON. The event hash and transaction ID are receipt outputs and never
// part of the hash input; the chain position fields are, so a stored
// event cannot be moved to another block without breaking its hash.
func CanonicalJSON(e *AuditEvent) ([]byte, error) {
	hashable := *e
	hashable.EventHash = ""
	hashable.TransactionID = ""
	hashable.Timestamp = e.Timestamp.UTC()

	raw, err := json.Marshal(&hashable)
	if err != nil {
		return nil, fmt.Errorf("encoding audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing audit event: %w", err)
	}
	return canonical, nil
}

// HashEvent computes the SHA-256 hex digest of the event's canonical
// encoding. The event's PreviousHash and BlockNumber must already be set
// to its chain position.
func HashEvent(e *AuditEvent) (string, error) {
	canonical, err := CanonicalJSON(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// hashAt computes the hash the event would have at the given chain
// position, without mutating the caller's event.
func hashAt(e *AuditEvent, previousHash string, blockNumber int64) (string, error) {
	positioned := *e
	positioned.PreviousHash = previousHash
	positioned.BlockNumber = blockNumber
	return HashEvent(&positioned)
}

// verifyLinkage checks one adjacent pair: the later event must reference
// the earlier event's hash, and both stored hashes must still match
// their contents.
func verifyLinkage(earlier, later *AuditEvent) (bool, error) {
	if later.BlockNumber != earlier.BlockNumber+1 {
		return false, nil
	}
	if later.PreviousHash != earlier.EventHash {
		return false, nil
	}
	recomputed, err := HashEvent(later)
	if err != nil {
		return false, err
	}
	return recomputed == later.EventHash, nil
}
