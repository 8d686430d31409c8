package betterddb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbv2 "github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ScanBuilder accumulates a table scan: filters only, no key condition and
// no ordering.
type ScanBuilder[T any] struct {
	store *Store[T]

	filter     expression.ConditionBuilder
	limit      int32
	token      string
	projection []string
}

// Scan starts a scan over the table.
func (s *Store[T]) Scan() *ScanBuilder[T] {
	return &ScanBuilder[T]{store: s}
}

// Filter adds a predicate. Multiple filters AND-merge.
func (b *ScanBuilder[T]) Filter(c expression.ConditionBuilder) *ScanBuilder[T] {
	if b.filter.IsSet() {
		b.filter = b.filter.And(c)
	} else {
		b.filter = c
	}
	return b
}

// LimitResults caps the page size.
func (b *ScanBuilder[T]) LimitResults(n int32) *ScanBuilder[T] {
	b.limit = n
	return b
}

// StartFrom resumes from a continuation token returned by a prior page.
func (b *ScanBuilder[T]) StartFrom(token string) *ScanBuilder[T] {
	b.token = token
	return b
}

// WithProjection limits the attributes returned.
func (b *ScanBuilder[T]) WithProjection(attrs ...string) *ScanBuilder[T] {
	b.projection = attrs
	return b
}

// Execute fetches one page.
func (b *ScanBuilder[T]) Execute(ctx context.Context) (*Page[T], error) {
	builder := expression.NewBuilder()
	hasExpr := false
	if b.filter.IsSet() {
		builder = builder.WithFilter(b.filter)
		hasExpr = true
	}
	if len(b.projection) > 0 {
		proj := expression.NamesList(expression.Name(b.projection[0]))
		for _, attr := range b.projection[1:] {
			proj = proj.AddNames(expression.Name(attr))
		}
		builder = builder.WithProjection(proj)
		hasExpr = true
	}
	var expr expression.Expression
	if hasExpr {
		var err error
		expr, err = builder.Build()
		if err != nil {
			return nil, fmt.Errorf("building scan expression: %w", err)
		}
	}

	startKey, err := decodeContinuationToken(b.token)
	if err != nil {
		return nil, err
	}

	input := &dynamodbv2.ScanInput{
		TableName:                 &b.store.table,
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
	}
	if b.limit > 0 {
		input.Limit = ptr(b.limit)
	}

	res, err := b.store.client.Scan(ctx, input)
	if err != nil {
		return nil, wrapOpError("scan", b.store.table, err)
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
func (b *ScanBuilder[T]) ExecuteAll(ctx context.Context) ([]T, error) {
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
