// Package betterddb is a schema-driven data-access layer over DynamoDB
// single-table designs.
//
// An entity type is configured once with a keys.Config describing how its
// partition key, optional sort key and secondary-index attributes derive
// from entity fields. The per-entity Store then exposes builders for
// create/get/update/delete/query/scan/batch operations. Derived key and
// index attributes are kept consistent with entity data on every mutation;
// an update that moves the entity's identity (its partition or sort key
// value changes) is executed as an atomic put-new/delete-old transaction,
// since DynamoDB cannot rename key attributes in place.
package betterddb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ryanrawlingswang/betterddb/keys"
)

// Bookkeeping attributes injected into stored items.
const (
	AttrEntityType = "entityType"
	AttrCreatedAt  = "createdAt"
	AttrUpdatedAt  = "updatedAt"
	AttrVersion    = "version"
)

// Validator checks candidate entities against an external schema. It is
// consumed as a black box: either the value is valid or an error describes
// why it is not.
type Validator[T any] interface {
	Validate(entity T) error
	ValidatePartial(fields map[string]any) error
}

// Store is the per-entity-type entry point. It is immutable after New and
// safe to share across concurrent operations.
type Store[T any] struct {
	client DynamoClient
	table  string
	keys   keys.Config

	validator    Validator[T]
	entityType   string
	timestamps   bool
	versioned    bool
	ttlAttribute string

	now func() time.Time
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithValidator sets the external schema validator. Entities are validated
// at create time and partial updates at every update.
func WithValidator[T any](v Validator[T]) Option[T] {
	return func(s *Store[T]) { s.validator = v }
}

// WithEntityType stores a type discriminator attribute on every item.
func WithEntityType[T any](name string) Option[T] {
	return func(s *Store[T]) { s.entityType = name }
}

// WithTimestamps maintains createdAt/updatedAt attributes automatically.
func WithTimestamps[T any]() Option[T] {
	return func(s *Store[T]) { s.timestamps = true }
}

// WithVersioning maintains a numeric version attribute: create writes 1,
// every update increments it. Combine with WithExpectedVersion on updates
// and deletes for optimistic concurrency.
func WithVersioning[T any]() Option[T] {
	return func(s *Store[T]) { s.versioned = true }
}

// WithTTLAttribute enables WithTTL on create builders, storing the expiry
// as a Unix timestamp under the named attribute.
func WithTTLAttribute[T any](attr string) Option[T] {
	return func(s *Store[T]) { s.ttlAttribute = attr }
}

// New configures a Store for one entity type. The keys configuration is
// validated once here and never mutated afterwards.
func New[T any](client DynamoClient, table string, cfg keys.Config, opts ...Option[T]) (*Store[T], error) {
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keys configuration for table %q: %w", table, err)
	}
	s := &Store[T]{
		client: client,
		table:  table,
		keys:   cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Table returns the DynamoDB table name.
func (s *Store[T]) Table() string { return s.table }

// Keys returns the keys configuration.
func (s *Store[T]) Keys() keys.Config { return s.keys }

func (s *Store[T]) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)}
}

func (s *Store[T]) validate(entity T) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Validate(entity); err != nil {
		return &ValidationError{Entity: s.entityName(), Err: err}
	}
	return nil
}

func (s *Store[T]) validatePartial(fields map[string]any) error {
	if s.validator == nil || len(fields) == 0 {
		return nil
	}
	if err := s.validator.ValidatePartial(fields); err != nil {
		return &ValidationError{Entity: s.entityName(), Err: err}
	}
	return nil
}

func (s *Store[T]) entityName() string {
	if s.entityType != "" {
		return s.entityType
	}
	var zero T
	return fmt.Sprintf("%T", zero)
}

// materialize flattens a validated entity into the item that will be
// stored: marshaled fields, bookkeeping attributes, and the computed
// primary and index key attributes.
func (s *Store[T]) materialize(entity T) (Item, error) {
	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return nil, fmt.Errorf("marshaling entity: %w", err)
	}
	if s.entityType != "" {
		item[AttrEntityType] = &types.AttributeValueMemberS{Value: s.entityType}
	}
	if s.timestamps {
		now := s.timestamp()
		item[AttrCreatedAt] = now
		item[AttrUpdatedAt] = now
	}
	if s.versioned {
		item[AttrVersion] = &types.AttributeValueMemberN{Value: "1"}
	}
	if err := s.applyKeyAttributes(item); err != nil {
		return nil, err
	}
	return item, nil
}

// applyKeyAttributes recomputes and merges the primary and index key
// attributes into the item in place.
func (s *Store[T]) applyKeyAttributes(item Item) error {
	key, err := s.keys.ComputeKey(item)
	if err != nil {
		return err
	}
	idx, err := s.keys.ComputeIndexAttributes(item)
	if err != nil {
		return err
	}
	for name, v := range key {
		item[name] = v
	}
	for name, v := range idx {
		item[name] = v
	}
	return nil
}

// keyFor resolves the storage key from a partial entity carrying the
// fields the key definitions need.
func (s *Store[T]) keyFor(partial map[string]any) (Item, error) {
	item, err := attributevalue.MarshalMap(partial)
	if err != nil {
		return nil, fmt.Errorf("marshaling key fields: %w", err)
	}
	return s.keys.ComputeKey(item)
}

func (s *Store[T]) unmarshal(item Item) (T, error) {
	var entity T
	if err := attributevalue.UnmarshalMap(item, &entity); err != nil {
		return entity, fmt.Errorf("unmarshaling item: %w", err)
	}
	return entity, nil
}

// readBack fetches the item under key with a consistent read. Used after
// transactional writes, which do not return the written attributes.
func (s *Store[T]) readBack(ctx context.Context, key Item) (Item, error) {
	res, err := s.client.GetItem(ctx, &dynamodbv2.GetItemInput{
		TableName:      &s.table,
		Key:            key,
		ConsistentRead: ptr(true),
	})
	if err != nil {
		return nil, wrapOpError("get", s.table, err)
	}
	if res.Item == nil {
		return nil, ErrNotFound
	}
	return res.Item, nil
}
