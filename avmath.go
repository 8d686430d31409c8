package betterddb

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The update orchestrator applies ADD and DELETE actions locally to build
// the hypothetical post-update entity before anything is dispatched, since
// key and index recomputation needs the post-update field values. The
// helpers below mirror DynamoDB's native semantics: ADD sums numbers and
// unions sets, DELETE subtracts from sets, and a set emptied by DELETE
// disappears from the item.

// addAttributeValue applies an ADD action to an existing value. A nil
// existing value behaves as zero (the delta for numbers, the delta set for
// sets).
func addAttributeValue(existing, delta types.AttributeValue) (types.AttributeValue, error) {
	switch d := delta.(type) {
	case *types.AttributeValueMemberN:
		if existing == nil {
			return d, nil
		}
		e, ok := existing.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("ADD number applied to non-number attribute %T", existing)
		}
		sum, err := numericAdd(e.Value, d.Value)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: sum}, nil
	case *types.AttributeValueMemberSS:
		if existing == nil {
			return &types.AttributeValueMemberSS{Value: dedupSorted(d.Value)}, nil
		}
		e, ok := existing.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("ADD string set applied to attribute %T", existing)
		}
		return &types.AttributeValueMemberSS{Value: dedupSorted(append(slices.Clone(e.Value), d.Value...))}, nil
	case *types.AttributeValueMemberNS:
		if existing == nil {
			return &types.AttributeValueMemberNS{Value: dedupSorted(d.Value)}, nil
		}
		e, ok := existing.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("ADD number set applied to attribute %T", existing)
		}
		return &types.AttributeValueMemberNS{Value: dedupSorted(append(slices.Clone(e.Value), d.Value...))}, nil
	default:
		return nil, fmt.Errorf("ADD supports numbers and sets, got %T", delta)
	}
}

// deleteAttributeValue applies a DELETE (set subtraction) action. It
// returns nil when the resulting set is empty or the attribute was absent.
func deleteAttributeValue(existing, subset types.AttributeValue) (types.AttributeValue, error) {
	if existing == nil {
		return nil, nil
	}
	switch s := subset.(type) {
	case *types.AttributeValueMemberSS:
		e, ok := existing.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("DELETE string set applied to attribute %T", existing)
		}
		rest := subtract(e.Value, s.Value)
		if len(rest) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberSS{Value: rest}, nil
	case *types.AttributeValueMemberNS:
		e, ok := existing.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("DELETE number set applied to attribute %T", existing)
		}
		rest := subtract(e.Value, s.Value)
		if len(rest) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberNS{Value: rest}, nil
	default:
		return nil, fmt.Errorf("DELETE supports sets only, got %T", subset)
	}
}

// numericAdd sums two DynamoDB number strings, staying in integers when
// both operands are integral.
func numericAdd(a, b string) (string, error) {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return strconv.FormatInt(ai+bi, 10), nil
	}
	af, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return "", fmt.Errorf("parsing number %q: %w", a, err)
	}
	bf, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return "", fmt.Errorf("parsing number %q: %w", b, err)
	}
	return strconv.FormatFloat(af+bf, 'g', -1, 64), nil
}

func dedupSorted(vals []string) []string {
	slices.Sort(vals)
	return slices.Compact(vals)
}

func subtract(from, remove []string) []string {
	gone := make(map[string]bool, len(remove))
	for _, v := range remove {
		gone[v] = true
	}
	var rest []string
	for _, v := range from {
		if !gone[v] {
			rest = append(rest, v)
		}
	}
	return rest
}
