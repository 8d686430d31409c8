package betterddb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetBuilder accumulates a single-item lookup. Reads are strongly
// consistent unless EventuallyConsistent is called.
type GetBuilder[T any] struct {
	store                *Store[T]
	key                  map[string]any
	projection           []string
	eventuallyConsistent bool
}

// Get starts a lookup. The key map carries the entity fields the key
// definitions need, not the storage attribute names.
func (s *Store[T]) Get(key map[string]any) *GetBuilder[T] {
	return &GetBuilder[T]{store: s, key: key}
}

// WithProjection limits the attributes returned.
func (b *GetBuilder[T]) WithProjection(attrs ...string) *GetBuilder[T] {
	b.projection = attrs
	return b
}

// EventuallyConsistent trades read consistency for throughput.
func (b *GetBuilder[T]) EventuallyConsistent() *GetBuilder[T] {
	b.eventuallyConsistent = true
	return b
}

// Execute performs the lookup. A missing item returns (nil, nil).
func (b *GetBuilder[T]) Execute(ctx context.Context) (*T, error) {
	key, err := b.store.keyFor(b.key)
	if err != nil {
		return nil, err
	}
	input := &dynamodbv2.GetItemInput{
		TableName:      &b.store.table,
		Key:            key,
		ConsistentRead: ptr(!b.eventuallyConsistent),
	}
	if len(b.projection) > 0 {
		expr, err := buildProjectionExpression(b.projection)
		if err != nil {
			return nil, err
		}
		input.ProjectionExpression = expr.Projection()
		input.ExpressionAttributeNames = expr.Names()
	}
	res, err := b.store.client.GetItem(ctx, input)
	if err != nil {
		return nil, wrapOpError("get", b.store.table, err)
	}
	if res.Item == nil {
		return nil, nil
	}
	entity, err := b.store.unmarshal(res.Item)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// BatchGetBuilder accumulates a multi-item read. Duplicate keys are
// de-duplicated before dispatch, so the result carries one entity per
// distinct key at most.
type BatchGetBuilder[T any] struct {
	store                *Store[T]
	keys                 []map[string]any
	eventuallyConsistent bool
	maxAttempts          int
	backoff              BackoffFunc
}

// BatchGetItem chunk ceiling imposed by DynamoDB.
const maxBatchGetSize = 100

// BatchGet starts a bulk read for the given keys.
func (s *Store[T]) BatchGet(keys ...map[string]any) *BatchGetBuilder[T] {
	return &BatchGetBuilder[T]{
		store:       s,
		keys:        keys,
		maxAttempts: defaultMaxBatchAttempts,
		backoff:     DefaultBackoff,
	}
}

// Add stages more keys.
func (b *BatchGetBuilder[T]) Add(keys ...map[string]any) *BatchGetBuilder[T] {
	b.keys = append(b.keys, keys...)
	return b
}

// EventuallyConsistent trades read consistency for throughput.
func (b *BatchGetBuilder[T]) EventuallyConsistent() *BatchGetBuilder[T] {
	b.eventuallyConsistent = true
	return b
}

// WithMaxAttempts bounds the unprocessed-key retry loop.
func (b *BatchGetBuilder[T]) WithMaxAttempts(n int) *BatchGetBuilder[T] {
	b.maxAttempts = n
	return b
}

// Execute resolves and de-duplicates the keys, splits them into
// store-sized chunks, and retries unprocessed keys with backoff until the
// attempt budget runs out.
func (b *BatchGetBuilder[T]) Execute(ctx context.Context) ([]T, error) {
	storageKeys, err := b.resolveKeys()
	if err != nil {
		return nil, err
	}

	var entities []T
	for start := 0; start < len(storageKeys); start += maxBatchGetSize {
		end := min(start+maxBatchGetSize, len(storageKeys))
		items, err := b.getChunk(ctx, storageKeys[start:end])
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			entity, err := b.store.unmarshal(item)
			if err != nil {
				return nil, err
			}
			entities = append(entities, entity)
		}
	}
	return entities, nil
}

// ExecuteTx reads all keys with serializable isolation via
// TransactGetItems. Limited to 100 items per call.
func (b *BatchGetBuilder[T]) ExecuteTx(ctx context.Context) ([]T, error) {
	storageKeys, err := b.resolveKeys()
	if err != nil {
		return nil, err
	}
	if len(storageKeys) > maxBatchGetSize {
		return nil, fmt.Errorf("transactional get limited to %d items, got %d", maxBatchGetSize, len(storageKeys))
	}
	gets := make([]types.TransactGetItem, 0, len(storageKeys))
	for _, key := range storageKeys {
		gets = append(gets, types.TransactGetItem{
			Get: &types.Get{TableName: &b.store.table, Key: key},
		})
	}
	res, err := b.store.client.TransactGetItems(ctx, &dynamodbv2.TransactGetItemsInput{
		TransactItems: gets,
	})
	if err != nil {
		return nil, wrapOpError("transact get", b.store.table, err)
	}
	var entities []T
	for _, resp := range res.Responses {
		if resp.Item == nil {
			continue
		}
		entity, err := b.store.unmarshal(resp.Item)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func (b *BatchGetBuilder[T]) resolveKeys() ([]Item, error) {
	seen := make(map[string]bool, len(b.keys))
	storageKeys := make([]Item, 0, len(b.keys))
	for _, partial := range b.keys {
		key, err := b.store.keyFor(partial)
		if err != nil {
			return nil, err
		}
		fp := keyFingerprint(key)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		storageKeys = append(storageKeys, key)
	}
	return storageKeys, nil
}

func (b *BatchGetBuilder[T]) getChunk(ctx context.Context, chunk []Item) ([]Item, error) {
	pending := chunk
	var items []Item
	for attempt := 0; len(pending) > 0; attempt++ {
		res, err := b.store.client.BatchGetItem(ctx, &dynamodbv2.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				b.store.table: {
					Keys:           pending,
					ConsistentRead: ptr(!b.eventuallyConsistent),
				},
			},
		})
		if err != nil {
			return nil, wrapOpError("batch get", b.store.table, err)
		}
		items = append(items, res.Responses[b.store.table]...)

		unprocessed := res.UnprocessedKeys[b.store.table].Keys
		if len(unprocessed) == 0 {
			return items, nil
		}
		if attempt+1 >= b.maxAttempts {
			return nil, &UnprocessedItemsError{Table: b.store.table, Remaining: len(unprocessed), Attempts: attempt + 1}
		}
		pending = unprocessed
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.backoff(attempt)):
		}
	}
	return items, nil
}

// keyFingerprint renders a storage key as a stable string for
// de-duplication. Key attributes are always scalars.
func keyFingerprint(key Item) string {
	fp := ""
	for _, name := range sortedNames(key) {
		switch v := key[name].(type) {
		case *types.AttributeValueMemberS:
			fp += name + "=S:" + v.Value + ";"
		case *types.AttributeValueMemberN:
			fp += name + "=N:" + v.Value + ";"
		case *types.AttributeValueMemberB:
			fp += name + "=B:" + string(v.Value) + ";"
		default:
			fp += name + "=?;"
		}
	}
	return fp
}

func sortedNames(item Item) []string {
	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func buildProjectionExpression(attributes []string) (expression.Expression, error) {
	var proj expression.ProjectionBuilder
	for i, attr := range attributes {
		if i == 0 {
			proj = expression.NamesList(expression.Name(attr))
		} else {
			proj = proj.AddNames(expression.Name(attr))
		}
	}
	return expression.NewBuilder().WithProjection(proj).Build()
}
