package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryChain implements Log using an in-memory slice.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryChain struct {
	mu     sync.RWMutex
	blocks []*AuditEvent    // blocks[i] holds block number i+1
	byTx   map[string]int64 // transaction ID -> block number
}

// NewMemoryChain creates an empty in-memory audit chain.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		byTx: make(map[string]int64),
	}
}

// Append assigns the next chain position, hashes the event, and stores it.
func (c *MemoryChain) Append(ctx context.Context, event *AuditEvent) (*Receipt, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previousHash := GenesisHash
	if n := len(c.blocks); n > 0 {
		previousHash = c.blocks[n-1].EventHash
	}

	stored := *event
	stored.BlockNumber = int64(len(c.blocks)) + 1
	stored.PreviousHash = previousHash
	stored.TransactionID = uuid.NewString()

	hash, err := HashEvent(&stored)
	if err != nil {
		return nil, err
	}
	stored.EventHash = hash

	c.blocks = append(c.blocks, &stored)
	c.byTx[stored.TransactionID] = stored.BlockNumber

	event.TransactionID = stored.TransactionID
	event.BlockNumber = stored.BlockNumber
	event.PreviousHash = stored.PreviousHash
	event.EventHash = stored.EventHash

	return &Receipt{
		TransactionID: stored.TransactionID,
		BlockNumber:   stored.BlockNumber,
		EventHash:     stored.EventHash,
		PreviousHash:  stored.PreviousHash,
	}, nil
}

// Verify recomputes the caller's event hash at the stored chain position
// and compares it to the recorded hash.
func (c *MemoryChain) Verify(ctx context.Context, transactionID string, event *AuditEvent) (bool, error) {
	stored, err := c.GetByTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	recomputed, err := hashAt(event, stored.PreviousHash, stored.BlockNumber)
	if err != nil {
		return false, err
	}
	return recomputed == stored.EventHash, nil
}

// VerifyChain checks hash linkage for every block in [startBlock, endBlock].
func (c *MemoryChain) VerifyChain(ctx context.Context, startBlock, endBlock int64) (bool, error) {
	if startBlock < 1 || endBlock < startBlock {
		return false, ErrBlockOutOfRange
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if endBlock > int64(len(c.blocks)) {
		return false, ErrBlockOutOfRange
	}

	for n := startBlock; n <= endBlock; n++ {
		block := c.blocks[n-1]
		if n == 1 {
			if block.PreviousHash != GenesisHash {
				return false, nil
			}
			recomputed, err := HashEvent(block)
			if err != nil {
				return false, err
			}
			if recomputed != block.EventHash {
				return false, nil
			}
			continue
		}
		ok, err := verifyLinkage(c.blocks[n-2], block)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// GetBlock returns the event at the given chain position.
func (c *MemoryChain) GetBlock(ctx context.Context, blockNumber int64) (*AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if blockNumber < 1 || blockNumber > int64(len(c.blocks)) {
		return nil, ErrEventNotFound
	}
	return copyEvent(c.blocks[blockNumber-1]), nil
}

// GetByTransaction returns the event appended under the transaction ID.
func (c *MemoryChain) GetByTransaction(ctx context.Context, transactionID string) (*AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.byTx[transactionID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(c.blocks[n-1]), nil
}

// ListByPrincipalSince returns the principal's events at or after since,
// oldest first.
func (c *MemoryChain) ListByPrincipalSince(ctx context.Context, principalID string, since time.Time, limit int) ([]*AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*AuditEvent, 0)
	for _, e := range c.blocks {
		if e.PrincipalID != principalID || e.Timestamp.Before(since) {
			continue
		}
		result = append(result, copyEvent(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ListSince returns all events at or after since, oldest first.
func (c *MemoryChain) ListSince(ctx context.Context, since time.Time, limit int) ([]*AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit = enforceLimit(limit)
	result := make([]*AuditEvent, 0)
	for _, e := range c.blocks {
		if e.Timestamp.Before(since) {
			continue
		}
		result = append(result, copyEvent(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Head returns the current chain length.
func (c *MemoryChain) Head(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.blocks)), nil
}

// enforceLimit applies the default and maximum query limits.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// copyEvent returns a deep copy so callers cannot mutate stored state.
func copyEvent(e *AuditEvent) *AuditEvent {
	dup := *e
	if e.Details != nil {
		dup.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			dup.Details[k] = v
		}
	}
	return &dup
}

// Verify interface compliance.
var _ Log = (*MemoryChain)(nil)
