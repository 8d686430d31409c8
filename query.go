package betterddb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Page is one page of query or scan results. ContinuationToken is empty
// when no more data exists; otherwise pass it to StartFrom to resume. A
// page may hold fewer than limit items even when more data exists.
type Page[T any] struct {
	Items             []T
	ContinuationToken string
}

// QueryBuilder accumulates a query: an equality match on the partition key
// of the table or of a named secondary index, an optional sort-key
// strategy, and non-key filter predicates applied after key matching.
type QueryBuilder[T any] struct {
	store     *Store[T]
	partition any

	indexName  string
	sort       SortKeyStrategy
	filter     expression.ConditionBuilder
	limit      int32
	descending bool
	token      string
	projection []string

	eventuallyConsistent bool
}

// Query starts a query for the given partition key value. The value is the
// computed storage value, e.g. "USER#u1".
func (s *Store[T]) Query(partition any) *QueryBuilder[T] {
	return &QueryBuilder[T]{store: s, partition: partition}
}

// UsingIndex targets a named secondary index from the keys configuration
// instead of the table's own key. Index reads are always eventually
// consistent.
func (b *QueryBuilder[T]) UsingIndex(name string) *QueryBuilder[T] {
	b.indexName = name
	return b
}

// WhereSort constrains the sort key.
func (b *QueryBuilder[T]) WhereSort(strategy SortKeyStrategy) *QueryBuilder[T] {
	b.sort = strategy
	return b
}

// Filter adds a non-key predicate, applied after key matching. It narrows
// the result set but not the read cost.
func (b *QueryBuilder[T]) Filter(c expression.ConditionBuilder) *QueryBuilder[T] {
	if b.filter.IsSet() {
		b.filter = b.filter.And(c)
	} else {
		b.filter = c
	}
	return b
}

// LimitResults caps the page size.
func (b *QueryBuilder[T]) LimitResults(n int32) *QueryBuilder[T] {
	b.limit = n
	return b
}

// SortAscending orders results by ascending sort key (the default).
func (b *QueryBuilder[T]) SortAscending() *QueryBuilder[T] {
	b.descending = false
	return b
}

// SortDescending orders results by descending sort key.
func (b *QueryBuilder[T]) SortDescending() *QueryBuilder[T] {
	b.descending = true
	return b
}

// StartFrom resumes from a continuation token returned by a prior page.
func (b *QueryBuilder[T]) StartFrom(token string) *QueryBuilder[T] {
	b.token = token
	return b
}

// WithProjection limits the attributes returned.
func (b *QueryBuilder[T]) WithProjection(attrs ...string) *QueryBuilder[T] {
	b.projection = attrs
	return b
}

// EventuallyConsistent trades read consistency for throughput on table
// queries.
func (b *QueryBuilder[T]) EventuallyConsistent() *QueryBuilder[T] {
	b.eventuallyConsistent = true
	return b
}

// keyNames resolves the partition/sort attribute names and the DynamoDB
// index name for the query target.
func (b *QueryBuilder[T]) keyNames() (pk string, sk string, indexName *string, err error) {
	if b.indexName == "" {
		pk = b.store.keys.Partition.AttributeName
		if b.store.keys.Sort != nil {
			sk = b.store.keys.Sort.AttributeName
		}
		return pk, sk, nil, nil
	}
	idx, ok := b.store.keys.Indexes[b.indexName]
	if !ok {
		return "", "", nil, fmt.Errorf("unknown index %q for table %q", b.indexName, b.store.table)
	}
	pk = idx.Partition.AttributeName
	if idx.Sort != nil {
		sk = idx.Sort.AttributeName
	}
	return pk, sk, &idx.Name, nil
}

func (b *QueryBuilder[T]) buildInput() (*dynamodbv2.QueryInput, error) {
	pk, sk, indexName, err := b.keyNames()
	if err != nil {
		return nil, err
	}
	keyCond := expression.KeyEqual(expression.Key(pk), expression.Value(b.partition))
	if b.sort != nil {
		if sk == "" {
			return nil, fmt.Errorf("sort condition on table %q requires a sort key", b.store.table)
		}
		keyCond = keyCond.And(b.sort(sk))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if b.filter.IsSet() {
		builder = builder.WithFilter(b.filter)
	}
	if len(b.projection) > 0 {
		proj := expression.NamesList(expression.Name(b.projection[0]))
		for _, attr := range b.projection[1:] {
			proj = proj.AddNames(expression.Name(attr))
		}
		builder = builder.WithProjection(proj)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building query expression: %w", err)
	}

	startKey, err := decodeContinuationToken(b.token)
	if err != nil {
		return nil, err
	}

	input := &dynamodbv2.QueryInput{
		TableName:                 &b.store.table,
		IndexName:                 indexName,
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          ptr(!b.descending),
		ExclusiveStartKey:         startKey,
		ConsistentRead:            ptr(indexName == nil && !b.eventuallyConsistent),
	}
	if b.limit > 0 {
		input.Limit = ptr(b.limit)
	}
	return input, nil
}

// Execute fetches one page.
func (b *QueryBuilder[T]) Execute(ctx context.Context) (*Page[T], error) {
	input, err := b.buildInput()
	if err != nil {
		return nil, err
	}
	res, err := b.store.client.Query(ctx, input)
	if err != nil {
		return nil, wrapOpError("query", b.store.table, err)
	}
	page := &Page[T]{Items: make([]T, 0, len(res.Items))}
	for _, item := range res.Items {
		entity, err := b.store.unmarshal(item)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, entity)
	}
	page.ContinuationToken, err = encodeContinuationToken(res.LastEvaluatedKey)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ExecuteAll drains every page and returns the concatenated results.
func (b *QueryBuilder[T]) ExecuteAll(ctx context.Context) ([]T, error) {
	var all []T
	for {
		page, err := b.Execute(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.ContinuationToken == "" {
			return all, nil
		}
		b.token = page.ContinuationToken
	}
}
