package betterddb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/exp/constraints"

	"github.com/ryanrawlingswang/betterddb/keys"
)

// UpdateBuilder accumulates an update: assignments, removals, additions
// (numeric add or set union) and set subtractions, plus an optional
// condition and expected version.
//
// On Execute the builder reads the current item, applies the actions
// locally to obtain the hypothetical post-update entity, and recomputes
// every key and index attribute against it. If no primary or sort key
// value changes, a single conditional UpdateItem is dispatched with any
// changed index attributes folded into the SET clause. If the entity's
// identity moves, the update is executed as an atomic transaction putting
// the fully materialized entity under the new key and deleting the old
// one; a partial outcome is never observable.
type UpdateBuilder[T any] struct {
	store *Store[T]
	key   map[string]any

	sets    map[string]any
	removes []string
	adds    map[string]any
	deletes map[string]any

	// fieldActions guards the invariant that a field appears in at most
	// one of the four action sets.
	fieldActions map[string]string

	cond            expression.ConditionBuilder
	expectedVersion *int64
	extra           []types.TransactWriteItem
	errs            []error
}

// Update starts an update of the entity addressed by the given key fields.
func (s *Store[T]) Update(key map[string]any) *UpdateBuilder[T] {
	return &UpdateBuilder[T]{
		store:        s,
		key:          key,
		sets:         map[string]any{},
		adds:         map[string]any{},
		deletes:      map[string]any{},
		fieldActions: map[string]string{},
	}
}

func (b *UpdateBuilder[T]) trackField(field, action string) bool {
	if prior, ok := b.fieldActions[field]; ok {
		b.errs = append(b.errs, fmt.Errorf("field %q already staged for %s, cannot also %s it", field, prior, action))
		return false
	}
	b.fieldActions[field] = action
	return true
}

// Set assigns a new value to a field.
func (b *UpdateBuilder[T]) Set(field string, value any) *UpdateBuilder[T] {
	if b.trackField(field, "SET") {
		b.sets[field] = value
	}
	return b
}

// Remove deletes fields from the item.
func (b *UpdateBuilder[T]) Remove(fields ...string) *UpdateBuilder[T] {
	for _, field := range fields {
		if b.trackField(field, "REMOVE") {
			b.removes = append(b.removes, field)
		}
	}
	return b
}

// Add increments a numeric field by delta, or unions a set value into a
// set field. A missing field behaves as zero or the empty set.
func (b *UpdateBuilder[T]) Add(field string, value any) *UpdateBuilder[T] {
	if b.trackField(field, "ADD") {
		b.adds[field] = value
	}
	return b
}

// DeleteFromSet subtracts the given subset from a set field.
func (b *UpdateBuilder[T]) DeleteFromSet(field string, subset any) *UpdateBuilder[T] {
	if b.trackField(field, "DELETE") {
		b.deletes[field] = subset
	}
	return b
}

// WithTTL stages a new expiry for the item. Requires a store configured
// with WithTTLAttribute.
func (b *UpdateBuilder[T]) WithTTL(expiry time.Time) *UpdateBuilder[T] {
	if b.store.ttlAttribute == "" {
		b.errs = append(b.errs, errors.New("WithTTL requires a store configured with WithTTLAttribute"))
		return b
	}
	return b.Set(b.store.ttlAttribute, expiry.Unix())
}

// AddNumber stages a type-checked numeric increment on the builder.
func AddNumber[T any, N constraints.Integer | constraints.Float](b *UpdateBuilder[T], field string, delta N) *UpdateBuilder[T] {
	return b.Add(field, delta)
}

// WithCondition guards the update with a condition expression evaluated
// server-side against the pre-update item. Multiple conditions AND-merge.
func (b *UpdateBuilder[T]) WithCondition(c expression.ConditionBuilder) *UpdateBuilder[T] {
	if b.cond.IsSet() {
		b.cond = b.cond.And(c)
	} else {
		b.cond = c
	}
	return b
}

// WithExpectedVersion adds an optimistic-concurrency check on the stored
// version attribute. On an identity-changing update the check attaches to
// the delete of the old item.
func (b *UpdateBuilder[T]) WithExpectedVersion(v int64) *UpdateBuilder[T] {
	b.expectedVersion = &v
	return b
}

// WithTransactItems folds extra write items into the same all-or-nothing
// batch as this update, whichever shape it takes.
func (b *UpdateBuilder[T]) WithTransactItems(items ...types.TransactWriteItem) *UpdateBuilder[T] {
	b.extra = append(b.extra, items...)
	return b
}

func (b *UpdateBuilder[T]) empty() bool {
	return len(b.sets) == 0 && len(b.removes) == 0 && len(b.adds) == 0 && len(b.deletes) == 0
}

// condition merges the caller condition with the expected-version check.
func (b *UpdateBuilder[T]) condition() expression.ConditionBuilder {
	cond := b.cond
	if b.expectedVersion != nil {
		vc := expression.Name(AttrVersion).Equal(expression.Value(*b.expectedVersion))
		if cond.IsSet() {
			cond = cond.And(vc)
		} else {
			cond = vc
		}
	}
	return cond
}

// Execute runs the update and returns the materialized entity.
func (b *UpdateBuilder[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	if err := errors.Join(b.errs...); err != nil {
		return zero, err
	}
	if b.empty() {
		return zero, ErrEmptyUpdate
	}
	if err := b.store.validatePartial(b.sets); err != nil {
		return zero, err
	}

	oldKey, err := b.store.keyFor(b.key)
	if err != nil {
		return zero, err
	}
	current, err := b.store.readBack(ctx, oldKey)
	if err != nil {
		return zero, err
	}

	hypothetical, err := b.applyLocally(current)
	if err != nil {
		return zero, err
	}

	newKey, err := b.store.keys.ComputeKey(hypothetical)
	if err != nil {
		return zero, err
	}
	newIdx, err := b.store.keys.ComputeIndexAttributes(hypothetical)
	if err != nil {
		return zero, err
	}

	keyChanged := keys.DiffKeyAttributes(pickAttrs(current, b.store.keys.KeyAttributeNames()), newKey)
	idxChanged := keys.DiffKeyAttributes(pickAttrs(current, b.store.keys.IndexAttributeNames()), newIdx)

	if len(keyChanged) > 0 {
		return b.executeIdentityChange(ctx, hypothetical, newKey, newIdx, oldKey)
	}
	return b.executeInPlace(ctx, oldKey, idxChanged)
}

// applyLocally produces the hypothetical post-update entity: the stored
// item with all four action sets applied.
func (b *UpdateBuilder[T]) applyLocally(current Item) (Item, error) {
	next := make(Item, len(current)+len(b.sets))
	for name, v := range current {
		next[name] = v
	}
	for _, field := range sortedKeys(b.sets) {
		av, err := attributevalue.Marshal(b.sets[field])
		if err != nil {
			return nil, fmt.Errorf("marshaling value for field %q: %w", field, err)
		}
		next[field] = av
	}
	for _, field := range b.removes {
		delete(next, field)
	}
	for _, field := range sortedKeys(b.adds) {
		delta, err := attributevalue.Marshal(b.adds[field])
		if err != nil {
			return nil, fmt.Errorf("marshaling delta for field %q: %w", field, err)
		}
		sum, err := addAttributeValue(next[field], delta)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		next[field] = sum
	}
	for _, field := range sortedKeys(b.deletes) {
		subset, err := attributevalue.Marshal(b.deletes[field])
		if err != nil {
			return nil, fmt.Errorf("marshaling subset for field %q: %w", field, err)
		}
		rest, err := deleteAttributeValue(next[field], subset)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		if rest == nil {
			delete(next, field)
		} else {
			next[field] = rest
		}
	}
	if b.store.timestamps {
		next[AttrUpdatedAt] = b.store.timestamp()
	}
	if b.store.versioned {
		bumped, err := addAttributeValue(next[AttrVersion], &types.AttributeValueMemberN{Value: "1"})
		if err != nil {
			return nil, fmt.Errorf("incrementing version: %w", err)
		}
		next[AttrVersion] = bumped
	}
	return next, nil
}

// executeInPlace dispatches a single conditional UpdateItem. Changed index
// attributes are folded into the SET clause even though the caller never
// set them explicitly.
func (b *UpdateBuilder[T]) executeInPlace(ctx context.Context, key Item, idxChanged []keys.ChangedAttribute) (T, error) {
	var zero T
	upd := expression.UpdateBuilder{}
	for _, field := range sortedKeys(b.sets) {
		upd = upd.Set(expression.Name(field), expression.Value(b.sets[field]))
	}
	for _, field := range b.removes {
		upd = upd.Remove(expression.Name(field))
	}
	for _, field := range sortedKeys(b.adds) {
		upd = upd.Add(expression.Name(field), expression.Value(b.adds[field]))
	}
	for _, field := range sortedKeys(b.deletes) {
		upd = upd.Delete(expression.Name(field), expression.Value(b.deletes[field]))
	}
	for _, ch := range idxChanged {
		if ch.New == nil {
			upd = upd.Remove(expression.Name(ch.Name))
		} else {
			upd = upd.Set(expression.Name(ch.Name), expression.Value(ch.New))
		}
	}
	if b.store.timestamps {
		upd = upd.Set(expression.Name(AttrUpdatedAt), expression.Value(b.store.timestamp()))
	}
	if b.store.versioned {
		upd = upd.Add(expression.Name(AttrVersion), expression.Value(1))
	}

	builder := expression.NewBuilder().WithUpdate(upd)
	cond := b.condition()
	if cond.IsSet() {
		builder = builder.WithCondition(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return zero, fmt.Errorf("building update expression: %w", err)
	}

	if len(b.extra) > 0 {
		tx := NewTx(b.store.client)
		tx.Add(types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 &b.store.table,
				Key:                       key,
				UpdateExpression:          expr.Update(),
				ConditionExpression:       expr.Condition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			},
		})
		tx.Add(b.extra...)
		if err := tx.Commit(ctx); err != nil {
			return zero, err
		}
		stored, err := b.store.readBack(ctx, key)
		if err != nil {
			return zero, err
		}
		return b.finish(ctx, key, stored)
	}

	res, err := b.store.client.UpdateItem(ctx, &dynamodbv2.UpdateItemInput{
		TableName:                 &b.store.table,
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return zero, wrapOpError("update", b.store.table, err)
	}
	return b.finish(ctx, key, res.Attributes)
}

// executeIdentityChange relocates the entity: an atomic transaction puts
// the fully materialized item under the new key and deletes the old one.
// The caller's condition and the version check guard the delete leg, since
// the old item is the one whose observed state is being protected; the put
// leg requires the target identity to be vacant.
func (b *UpdateBuilder[T]) executeIdentityChange(ctx context.Context, hypothetical, newKey, newIdx, oldKey Item) (T, error) {
	var zero T

	newItem := make(Item, len(hypothetical)+len(newKey)+len(newIdx))
	for name, v := range hypothetical {
		newItem[name] = v
	}
	for name, v := range newKey {
		newItem[name] = v
	}
	for name, v := range newIdx {
		newItem[name] = v
	}

	putCond := expression.AttributeNotExists(expression.Name(b.store.keys.Partition.AttributeName))
	putExpr, err := expression.NewBuilder().WithCondition(putCond).Build()
	if err != nil {
		return zero, fmt.Errorf("building put condition: %w", err)
	}

	var delExpr expression.Expression
	if cond := b.condition(); cond.IsSet() {
		delExpr, err = expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return zero, fmt.Errorf("building delete condition: %w", err)
		}
	}

	tx := NewTx(b.store.client)
	tx.Add(
		types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 &b.store.table,
				Item:                      newItem,
				ConditionExpression:       putExpr.Condition(),
				ExpressionAttributeNames:  putExpr.Names(),
				ExpressionAttributeValues: putExpr.Values(),
			},
		},
		types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 &b.store.table,
				Key:                       oldKey,
				ConditionExpression:       delExpr.Condition(),
				ExpressionAttributeNames:  delExpr.Names(),
				ExpressionAttributeValues: delExpr.Values(),
			},
		},
	)
	tx.Add(b.extra...)
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}

	stored, err := b.store.readBack(ctx, newKey)
	if err != nil {
		return zero, err
	}
	return b.finish(ctx, newKey, stored)
}

// finish reconciles index attributes against a fresh recomputation,
// issuing a corrective update when dependent fields were touched
// indirectly, then re-validates and returns the entity.
func (b *UpdateBuilder[T]) finish(ctx context.Context, key, item Item) (T, error) {
	var zero T
	item, err := b.store.reconcileIndexes(ctx, key, item)
	if err != nil {
		return zero, err
	}
	entity, err := b.store.unmarshal(item)
	if err != nil {
		return zero, err
	}
	if err := b.store.validate(entity); err != nil {
		return zero, err
	}
	return entity, nil
}

// reconcileIndexes compares the stored index attributes of item to a fresh
// recomputation and issues a corrective update when they disagree.
func (s *Store[T]) reconcileIndexes(ctx context.Context, key, item Item) (Item, error) {
	fresh, err := s.keys.ComputeIndexAttributes(item)
	if err != nil {
		return nil, err
	}
	changed := keys.DiffKeyAttributes(pickAttrs(item, s.keys.IndexAttributeNames()), fresh)
	if len(changed) == 0 {
		return item, nil
	}
	upd := expression.UpdateBuilder{}
	for _, ch := range changed {
		if ch.New == nil {
			upd = upd.Remove(expression.Name(ch.Name))
		} else {
			upd = upd.Set(expression.Name(ch.Name), expression.Value(ch.New))
		}
	}
	expr, err := expression.NewBuilder().WithUpdate(upd).Build()
	if err != nil {
		return nil, fmt.Errorf("building index reconciliation update: %w", err)
	}
	res, err := s.client.UpdateItem(ctx, &dynamodbv2.UpdateItemInput{
		TableName:                 &s.table,
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, wrapOpError("update", s.table, err)
	}
	return res.Attributes, nil
}

// pickAttrs extracts the named attributes present on the item.
func pickAttrs(item Item, names []string) Item {
	out := make(Item, len(names))
	for _, name := range names {
		if v, ok := item[name]; ok {
			out[name] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	// stable placeholder assignment order
	slices.Sort(names)
	return names
}
