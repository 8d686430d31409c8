package betterddb

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// BatchWriteItem chunk ceiling imposed by DynamoDB.
	maxBatchWriteSize = 25

	// Bounded unprocessed-item retry budget. Unbounded retry is a latent
	// availability risk; exhaustion surfaces UnprocessedItemsError.
	defaultMaxBatchAttempts = 8
)

// BackoffFunc returns the duration to wait before retry attempt n.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns a capped exponential backoff with full jitter.
// Wait time is: rand(0, min(cap, base * multiplier^attempt))
// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
func ExponentialBackoff(base time.Duration, multiplier float64, cap time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		factor := 1.0
		for i := 0; i < attempt; i++ {
			factor *= multiplier
		}
		backoff := time.Duration(float64(base) * factor)
		if backoff > cap {
			backoff = cap
		}
		if backoff <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(backoff)))
	}
}

// DefaultBackoff is ExponentialBackoff with 50ms base, 2x multiplier, 5s cap.
var DefaultBackoff = ExponentialBackoff(50*time.Millisecond, 2.0, 5*time.Second)

// BatchWriteBuilder accumulates bulk puts and deletes. Conditions cannot
// ride on batch writes; use the create/delete builders or a Tx for guarded
// writes.
type BatchWriteBuilder[T any] struct {
	store *Store[T]

	puts       []T
	deleteKeys []map[string]any

	maxAttempts int
	backoff     BackoffFunc
}

// BatchWrite starts a bulk write.
func (s *Store[T]) BatchWrite() *BatchWriteBuilder[T] {
	return &BatchWriteBuilder[T]{
		store:       s,
		maxAttempts: defaultMaxBatchAttempts,
		backoff:     DefaultBackoff,
	}
}

// Put stages entities to write. Each is validated and materialized exactly
// as Create does, bookkeeping and key attributes included.
func (b *BatchWriteBuilder[T]) Put(entities ...T) *BatchWriteBuilder[T] {
	b.puts = append(b.puts, entities...)
	return b
}

// Delete stages keys to delete.
func (b *BatchWriteBuilder[T]) Delete(keys ...map[string]any) *BatchWriteBuilder[T] {
	b.deleteKeys = append(b.deleteKeys, keys...)
	return b
}

// WithMaxAttempts bounds the unprocessed-item retry loop.
func (b *BatchWriteBuilder[T]) WithMaxAttempts(n int) *BatchWriteBuilder[T] {
	b.maxAttempts = n
	return b
}

// WithBackoff overrides the retry backoff.
func (b *BatchWriteBuilder[T]) WithBackoff(fn BackoffFunc) *BatchWriteBuilder[T] {
	b.backoff = fn
	return b
}

func (b *BatchWriteBuilder[T]) buildRequests() ([]types.WriteRequest, error) {
	seen := make(map[string]bool, len(b.puts)+len(b.deleteKeys))
	requests := make([]types.WriteRequest, 0, len(b.puts)+len(b.deleteKeys))

	for _, entity := range b.puts {
		if err := b.store.validate(entity); err != nil {
			return nil, err
		}
		item, err := b.store.materialize(entity)
		if err != nil {
			return nil, err
		}
		key, err := b.store.keys.ComputeKey(item)
		if err != nil {
			return nil, err
		}
		fp := keyFingerprint(key)
		if seen[fp] {
			return nil, fmt.Errorf("duplicate batch action for key %v on table %q", key, b.store.table)
		}
		seen[fp] = true
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}
	for _, partial := range b.deleteKeys {
		key, err := b.store.keyFor(partial)
		if err != nil {
			return nil, err
		}
		fp := keyFingerprint(key)
		if seen[fp] {
			return nil, fmt.Errorf("duplicate batch action for key %v on table %q", key, b.store.table)
		}
		seen[fp] = true
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: key},
		})
	}
	return requests, nil
}

// Execute partitions the staged writes into store-sized chunks, submits
// each, and retries unprocessed items with backoff until they drain or the
// attempt budget runs out. A terminal (non-unprocessed) failure propagates
// immediately.
func (b *BatchWriteBuilder[T]) Execute(ctx context.Context) error {
	requests, err := b.buildRequests()
	if err != nil {
		return err
	}
	for start := 0; start < len(requests); start += maxBatchWriteSize {
		end := min(start+maxBatchWriteSize, len(requests))
		if err := b.writeChunk(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchWriteBuilder[T]) writeChunk(ctx context.Context, chunk []types.WriteRequest) error {
	pending := chunk
	for attempt := 0; len(pending) > 0; attempt++ {
		res, err := b.store.client.BatchWriteItem(ctx, &dynamodbv2.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{b.store.table: pending},
		})
		if err != nil {
			return wrapOpError("batch write", b.store.table, err)
		}
		unprocessed := res.UnprocessedItems[b.store.table]
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt+1 >= b.maxAttempts {
			return &UnprocessedItemsError{Table: b.store.table, Remaining: len(unprocessed), Attempts: attempt + 1}
		}
		pending = unprocessed
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff(attempt)):
		}
	}
	return nil
}
