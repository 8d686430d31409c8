package betterddb

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
)

// Operator is the closed set of comparison operators supported in
// condition, key-condition and filter expressions.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "<>"
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpBeginsWith     Operator = "begins_with"
	OpBetween        Operator = "between"
	OpContains       Operator = "contains"
)

// Compare compiles an operator and operands against an attribute into a
// condition usable as a filter or a write condition. Between takes exactly
// two operands, every other operator exactly one. Attribute names and
// operand values are bound through generated placeholders, so a single
// statement can reference the same field from several clauses without
// placeholder collisions.
func Compare(op Operator, name string, operands ...any) (expression.ConditionBuilder, error) {
	if err := checkArity(op, len(operands)); err != nil {
		return expression.ConditionBuilder{}, err
	}
	n := expression.Name(name)
	switch op {
	case OpEqual:
		return n.Equal(expression.Value(operands[0])), nil
	case OpNotEqual:
		return n.NotEqual(expression.Value(operands[0])), nil
	case OpLessThan:
		return n.LessThan(expression.Value(operands[0])), nil
	case OpLessOrEqual:
		return n.LessThanEqual(expression.Value(operands[0])), nil
	case OpGreaterThan:
		return n.GreaterThan(expression.Value(operands[0])), nil
	case OpGreaterOrEqual:
		return n.GreaterThanEqual(expression.Value(operands[0])), nil
	case OpBeginsWith:
		prefix, ok := operands[0].(string)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("begins_with operand must be a string, got %T", operands[0])
		}
		return n.BeginsWith(prefix), nil
	case OpBetween:
		return n.Between(expression.Value(operands[0]), expression.Value(operands[1])), nil
	case OpContains:
		return n.Contains(operands[0]), nil
	default:
		return expression.ConditionBuilder{}, fmt.Errorf("unsupported operator %q", op)
	}
}

// KeyCompare compiles an operator against a key attribute for use in a
// query's key condition. Not-equals and contains are not valid on keys.
func KeyCompare(op Operator, name string, operands ...any) (expression.KeyConditionBuilder, error) {
	if err := checkArity(op, len(operands)); err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	k := expression.Key(name)
	switch op {
	case OpEqual:
		return expression.KeyEqual(k, expression.Value(operands[0])), nil
	case OpLessThan:
		return expression.KeyLessThan(k, expression.Value(operands[0])), nil
	case OpLessOrEqual:
		return expression.KeyLessThanEqual(k, expression.Value(operands[0])), nil
	case OpGreaterThan:
		return expression.KeyGreaterThan(k, expression.Value(operands[0])), nil
	case OpGreaterOrEqual:
		return expression.KeyGreaterThanEqual(k, expression.Value(operands[0])), nil
	case OpBeginsWith:
		prefix, ok := operands[0].(string)
		if !ok {
			return expression.KeyConditionBuilder{}, fmt.Errorf("begins_with operand must be a string, got %T", operands[0])
		}
		return expression.KeyBeginsWith(k, prefix), nil
	case OpBetween:
		return expression.KeyBetween(k, expression.Value(operands[0]), expression.Value(operands[1])), nil
	default:
		return expression.KeyConditionBuilder{}, fmt.Errorf("operator %q is not valid in a key condition", op)
	}
}

// SortKeyStrategy narrows a query to part of the partition. The query
// builder supplies the resolved sort key name, which differs per index.
type SortKeyStrategy func(skName string) expression.KeyConditionBuilder

// sortKeyCond routes strategies through KeyCompare so one operator mapping
// serves both surfaces. Arity and operand types are fixed by each strategy
// constructor, so the error path is unreachable.
func sortKeyCond(op Operator, skName string, operands ...any) expression.KeyConditionBuilder {
	cond, _ := KeyCompare(op, skName, operands...)
	return cond
}

// Equals matches items whose sort key equals v exactly.
func Equals[T any](v T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpEqual, skName, v)
	}
}

// BeginsWith matches items whose sort key starts with prefix.
func BeginsWith(prefix string) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpBeginsWith, skName, prefix)
	}
}

// Between matches items whose sort key falls in [start, end], inclusive.
func Between[T any](start, end T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpBetween, skName, start, end)
	}
}

func GreaterThan[T any](v T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpGreaterThan, skName, v)
	}
}

func GreaterThanOrEqual[T any](v T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpGreaterOrEqual, skName, v)
	}
}

func LessThan[T any](v T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpLessThan, skName, v)
	}
}

func LessThanOrEqual[T any](v T) SortKeyStrategy {
	return func(skName string) expression.KeyConditionBuilder {
		return sortKeyCond(OpLessOrEqual, skName, v)
	}
}

func checkArity(op Operator, n int) error {
	want := 1
	if op == OpBetween {
		want = 2
	}
	if n != want {
		return fmt.Errorf("operator %q takes %d operand(s), got %d", op, want, n)
	}
	return nil
}
