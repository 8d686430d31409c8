package betterddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateBuilder accumulates a create operation. The entity is validated,
// bookkeeping fields are injected, key and index attributes are computed,
// and the flattened item is written.
type CreateBuilder[T any] struct {
	store  *Store[T]
	entity T

	cond        expression.ConditionBuilder
	ifNotExists bool
	ttl         *time.Time
	extra       []types.TransactWriteItem
	errs        []error
}

// Create starts a create operation for the given candidate entity.
func (s *Store[T]) Create(entity T) *CreateBuilder[T] {
	return &CreateBuilder[T]{store: s, entity: entity}
}

// WithCondition guards the write with a condition expression. Multiple
// conditions are AND-merged.
func (b *CreateBuilder[T]) WithCondition(c expression.ConditionBuilder) *CreateBuilder[T] {
	if b.cond.IsSet() {
		b.cond = b.cond.And(c)
	} else {
		b.cond = c
	}
	return b
}

// IfNotExists guards the write with attribute_not_exists on the partition
// key, so creating an existing identity fails with PreconditionFailedError.
func (b *CreateBuilder[T]) IfNotExists() *CreateBuilder[T] {
	b.ifNotExists = true
	return b
}

// WithTTL stores an expiry on the item. Requires WithTTLAttribute on the store.
func (b *CreateBuilder[T]) WithTTL(expiry time.Time) *CreateBuilder[T] {
	if b.store.ttlAttribute == "" {
		b.errs = append(b.errs, errors.New("WithTTL requires a store configured with WithTTLAttribute"))
		return b
	}
	b.ttl = &expiry
	return b
}

// WithTransactItems folds extra write items into the same all-or-nothing
// transaction as this create.
func (b *CreateBuilder[T]) WithTransactItems(items ...types.TransactWriteItem) *CreateBuilder[T] {
	b.extra = append(b.extra, items...)
	return b
}

// build validates and materializes the entity and compiles the condition.
func (b *CreateBuilder[T]) build() (Item, expression.Expression, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, expression.Expression{}, err
	}
	if err := b.store.validate(b.entity); err != nil {
		return nil, expression.Expression{}, err
	}
	item, err := b.store.materialize(b.entity)
	if err != nil {
		return nil, expression.Expression{}, err
	}
	if b.ttl != nil {
		item[b.store.ttlAttribute] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", b.ttl.Unix())}
	}
	cond := b.cond
	if b.ifNotExists {
		notExists := expression.AttributeNotExists(expression.Name(b.store.keys.Partition.AttributeName))
		if cond.IsSet() {
			cond = cond.And(notExists)
		} else {
			cond = notExists
		}
	}
	var expr expression.Expression
	if cond.IsSet() {
		expr, err = expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return nil, expression.Expression{}, fmt.Errorf("building create condition: %w", err)
		}
	}
	return item, expr, nil
}

// TransactWriteItem compiles the create into a transaction item so it can
// be folded into a larger Tx. The final entity must be read back after the
// transaction commits, since a transactional Put returns no attributes.
func (b *CreateBuilder[T]) TransactWriteItem() (types.TransactWriteItem, error) {
	item, expr, err := b.build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                 &b.store.table,
			Item:                      item,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

// Execute performs the create and returns the materialized entity. When
// extra transaction items are attached, the write goes through
// TransactWriteItems and the entity is re-read after commit.
func (b *CreateBuilder[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	item, expr, err := b.build()
	if err != nil {
		return zero, err
	}

	if len(b.extra) > 0 {
		put, err := b.TransactWriteItem()
		if err != nil {
			return zero, err
		}
		tx := NewTx(b.store.client)
		tx.Add(put)
		tx.Add(b.extra...)
		if err := tx.Commit(ctx); err != nil {
			return zero, err
		}
		key, err := b.store.keys.ComputeKey(item)
		if err != nil {
			return zero, err
		}
		stored, err := b.store.readBack(ctx, key)
		if err != nil {
			return zero, err
		}
		return b.store.unmarshal(stored)
	}

	_, err = b.store.client.PutItem(ctx, &dynamodbv2.PutItemInput{
		TableName:                 &b.store.table,
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return zero, wrapOpError("create", b.store.table, err)
	}
	return b.store.unmarshal(item)
}
