package betterddb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Tx accumulates write items from one or more stores and commits them as a
// single all-or-nothing TransactWriteItems call. Builders contribute items
// via their TransactWriteItem methods.
type Tx struct {
	client DynamoClient
	opts   txOpts

	// errors from staging calls are deferred and returned by Commit, so
	// callers can chain without checking after every call.
	errs  []error
	items []types.TransactWriteItem
}

type txOpts struct {
	idempotencyToken string
}

// TxOption configures a transaction.
type TxOption func(*txOpts)

// WithIdempotencyToken overrides the generated client request token.
// DynamoDB honors these tokens for 10 minutes; a replay after that window
// is treated as a new request.
func WithIdempotencyToken(token string) TxOption {
	return func(o *txOpts) { o.idempotencyToken = token }
}

// NewTx creates an empty transaction against the given client.
func NewTx(client DynamoClient, opts ...TxOption) *Tx {
	tx := &Tx{client: client}
	for _, opt := range opts {
		opt(&tx.opts)
	}
	if tx.opts.idempotencyToken == "" {
		tx.opts.idempotencyToken = uuid.NewString()
	}
	return tx
}

// Add stages write items for the commit.
func (tx *Tx) Add(items ...types.TransactWriteItem) *Tx {
	tx.items = append(tx.items, items...)
	return tx
}

// ConditionCheck stages a condition against an item that is not itself
// written; the whole transaction aborts if the condition does not hold.
func (tx *Tx) ConditionCheck(table string, key Item, cond expression.ConditionBuilder) *Tx {
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		tx.errs = append(tx.errs, fmt.Errorf("building condition check for table %q: %w", table, err))
		return tx
	}
	tx.items = append(tx.items, types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                 &table,
			Key:                       key,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	})
	return tx
}

// Len reports the number of staged items.
func (tx *Tx) Len() int { return len(tx.items) }

// Commit submits the staged items. A single Put, Update or Delete is
// dispatched as a plain call to avoid transactional overhead; anything
// else goes through TransactWriteItems.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := errors.Join(tx.errs...); err != nil {
		return err
	}
	switch len(tx.items) {
	case 0:
		return nil
	case 1:
		if done, err := tx.commitSingle(ctx, tx.items[0]); done {
			return err
		}
	}
	_, err := tx.client.TransactWriteItems(ctx, &dynamodbv2.TransactWriteItemsInput{
		TransactItems:      tx.items,
		ClientRequestToken: &tx.opts.idempotencyToken,
	})
	return wrapOpError("transact write", tablesOf(tx.items), err)
}

// commitSingle dispatches a lone item as a plain operation. Returns false
// when the item kind still requires the transactional API.
func (tx *Tx) commitSingle(ctx context.Context, item types.TransactWriteItem) (bool, error) {
	switch {
	case item.Put != nil:
		p := item.Put
		_, err := tx.client.PutItem(ctx, &dynamodbv2.PutItemInput{
			TableName:                 p.TableName,
			Item:                      p.Item,
			ConditionExpression:       p.ConditionExpression,
			ExpressionAttributeNames:  p.ExpressionAttributeNames,
			ExpressionAttributeValues: p.ExpressionAttributeValues,
		})
		return true, wrapOpError("put", derefTable(p.TableName), err)
	case item.Update != nil:
		u := item.Update
		_, err := tx.client.UpdateItem(ctx, &dynamodbv2.UpdateItemInput{
			TableName:                 u.TableName,
			Key:                       u.Key,
			UpdateExpression:          u.UpdateExpression,
			ConditionExpression:       u.ConditionExpression,
			ExpressionAttributeNames:  u.ExpressionAttributeNames,
			ExpressionAttributeValues: u.ExpressionAttributeValues,
		})
		return true, wrapOpError("update", derefTable(u.TableName), err)
	case item.Delete != nil:
		d := item.Delete
		_, err := tx.client.DeleteItem(ctx, &dynamodbv2.DeleteItemInput{
			TableName:                 d.TableName,
			Key:                       d.Key,
			ConditionExpression:       d.ConditionExpression,
			ExpressionAttributeNames:  d.ExpressionAttributeNames,
			ExpressionAttributeValues: d.ExpressionAttributeValues,
		})
		return true, wrapOpError("delete", derefTable(d.TableName), err)
	}
	return false, nil
}

func derefTable(name *string) string {
	if name == nil {
		return ""
	}
	return *name
}

func tablesOf(items []types.TransactWriteItem) string {
	for _, item := range items {
		switch {
		case item.Put != nil:
			return derefTable(item.Put.TableName)
		case item.Update != nil:
			return derefTable(item.Update.TableName)
		case item.Delete != nil:
			return derefTable(item.Delete.TableName)
		case item.ConditionCheck != nil:
			return derefTable(item.ConditionCheck.TableName)
		}
	}
	return ""
}
