package betterddb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DeleteBuilder accumulates a delete operation. Deleting a missing item
// without a condition is a no-op, not an error, matching the store's
// native semantics. No index cleanup is needed beyond deleting the row:
// indexes are views over the same item.
type DeleteBuilder[T any] struct {
	store *Store[T]
	key   map[string]any

	cond            expression.ConditionBuilder
	mustExist       bool
	expectedVersion *int64
	extra           []types.TransactWriteItem
}

// Delete starts a delete of the entity addressed by the given key fields.
func (s *Store[T]) Delete(key map[string]any) *DeleteBuilder[T] {
	return &DeleteBuilder[T]{store: s, key: key}
}

// WithCondition guards the delete. Multiple conditions AND-merge.
func (b *DeleteBuilder[T]) WithCondition(c expression.ConditionBuilder) *DeleteBuilder[T] {
	if b.cond.IsSet() {
		b.cond = b.cond.And(c)
	} else {
		b.cond = c
	}
	return b
}

// MustExist makes deleting a missing item fail with
// PreconditionFailedError instead of being a no-op.
func (b *DeleteBuilder[T]) MustExist() *DeleteBuilder[T] {
	b.mustExist = true
	return b
}

// WithExpectedVersion adds an optimistic-concurrency check.
func (b *DeleteBuilder[T]) WithExpectedVersion(v int64) *DeleteBuilder[T] {
	b.expectedVersion = &v
	return b
}

// WithTransactItems folds extra write items into the same all-or-nothing
// transaction as this delete.
func (b *DeleteBuilder[T]) WithTransactItems(items ...types.TransactWriteItem) *DeleteBuilder[T] {
	b.extra = append(b.extra, items...)
	return b
}

func (b *DeleteBuilder[T]) build() (Item, expression.Expression, error) {
	key, err := b.store.keyFor(b.key)
	if err != nil {
		return nil, expression.Expression{}, err
	}
	cond := b.cond
	if b.mustExist {
		exists := expression.AttributeExists(expression.Name(b.store.keys.Partition.AttributeName))
		if cond.IsSet() {
			cond = cond.And(exists)
		} else {
			cond = exists
		}
	}
	if b.expectedVersion != nil {
		vc := expression.Name(AttrVersion).Equal(expression.Value(*b.expectedVersion))
		if cond.IsSet() {
			cond = cond.And(vc)
		} else {
			cond = vc
		}
	}
	var expr expression.Expression
	if cond.IsSet() {
		expr, err = expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return nil, expression.Expression{}, fmt.Errorf("building delete condition: %w", err)
		}
	}
	return key, expr, nil
}

// TransactWriteItem compiles the delete into a transaction item for
// folding into a larger Tx.
func (b *DeleteBuilder[T]) TransactWriteItem() (types.TransactWriteItem, error) {
	key, expr, err := b.build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 &b.store.table,
			Key:                       key,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

// Execute performs the delete, transactionally when extra items are attached.
func (b *DeleteBuilder[T]) Execute(ctx context.Context) error {
	key, expr, err := b.build()
	if err != nil {
		return err
	}

	if len(b.extra) > 0 {
		del, err := b.TransactWriteItem()
		if err != nil {
			return err
		}
		tx := NewTx(b.store.client)
		tx.Add(del)
		tx.Add(b.extra...)
		return tx.Commit(ctx)
	}

	_, err = b.store.client.DeleteItem(ctx, &dynamodbv2.DeleteItemInput{
		TableName:                 &b.store.table,
		Key:                       key,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return wrapOpError("delete", b.store.table, err)
}
