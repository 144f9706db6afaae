// Package adapter dispatches outbound envelopes through channel
// providers, guaranteeing at-most-one externally visible delivery per
// envelope id.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnichat/gateway/internal/jsoncodec"
)

// SentLedger records the receipt of every dispatched envelope id so a
// replayed envelope returns the original receipt instead of producing a
// second delivery.
type SentLedger interface {
	Get(ctx context.Context, envelopeID string) (Receipt, bool, error)
	Record(ctx context.Context, envelopeID string, receipt Receipt) error
}

// MemoryLedger is the in-process ledger used by single-instance
// deployments and tests.
type MemoryLedger struct {
	mu    sync.RWMutex
	items map[string]Receipt
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{items: make(map[string]Receipt)}
}

func (l *MemoryLedger) Get(ctx context.Context, envelopeID string) (Receipt, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	receipt, ok := l.items[envelopeID]
	return receipt, ok, nil
}

func (l *MemoryLedger) Record(ctx context.Context, envelopeID string, receipt Receipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[envelopeID] = receipt
	return nil
}

// RedisLedger shares the sent-ledger across gateway instances. Entries
// expire after the retention window; by then the bus retry budget has
// long been exhausted.
type RedisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLedger{client: client, prefix: "omni:sent:", retention: retention}
}

func (l *RedisLedger) Get(ctx context.Context, envelopeID string) (Receipt, bool, error) {
	raw, err := l.client.Get(ctx, l.prefix+envelopeID).Bytes()
	if err == redis.Nil {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	var receipt Receipt
	if err := jsoncodec.Unmarshal(raw, &receipt); err != nil {
		return Receipt{}, false, err
	}
	return receipt, true, nil
}

func (l *RedisLedger) Record(ctx context.Context, envelopeID string, receipt Receipt) error {
	raw, err := jsoncodec.Marshal(receipt)
	if err != nil {
		return err
	}
	return l.client.Set(ctx, l.prefix+envelopeID, raw, l.retention).Err()
}
