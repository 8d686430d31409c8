package betterddb_test

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanrawlingswang/betterddb"
)

func TestCompare_Operators(t *testing.T) {
	ops := []betterddb.Operator{
		betterddb.OpEqual, betterddb.OpNotEqual,
		betterddb.OpLessThan, betterddb.OpLessOrEqual,
		betterddb.OpGreaterThan, betterddb.OpGreaterOrEqual,
		betterddb.OpBeginsWith, betterddb.OpContains,
	}
	for _, op := range ops {
		t.Run(string(op), func(t *testing.T) {
			cond, err := betterddb.Compare(op, "field", "x")
			require.NoError(t, err)
			_, err = expression.NewBuilder().WithCondition(cond).Build()
			require.NoError(t, err)
		})
	}

	cond, err := betterddb.Compare(betterddb.OpBetween, "field", 1, 10)
	require.NoError(t, err)
	_, err = expression.NewBuilder().WithCondition(cond).Build()
	require.NoError(t, err)
}

func TestCompare_Arity(t *testing.T) {
	_, err := betterddb.Compare(betterddb.OpEqual, "field")
	require.Error(t, err)

	_, err = betterddb.Compare(betterddb.OpEqual, "field", 1, 2)
	require.Error(t, err)

	_, err = betterddb.Compare(betterddb.OpBetween, "field", 1)
	require.Error(t, err)
}

func TestCompare_BeginsWithRequiresString(t *testing.T) {
	_, err := betterddb.Compare(betterddb.OpBeginsWith, "field", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")
}

func TestKeyCompare_RejectsNonKeyOperators(t *testing.T) {
	_, err := betterddb.KeyCompare(betterddb.OpNotEqual, "sk", "x")
	require.Error(t, err)

	_, err = betterddb.KeyCompare(betterddb.OpContains, "sk", "x")
	require.Error(t, err)

	_, err = betterddb.KeyCompare(betterddb.OpBeginsWith, "sk", "prefix")
	require.NoError(t, err)
}

// Several clauses referencing the same attribute with different operand
// values must each get their own placeholder, never overwrite each other.
func TestExpression_PlaceholderUniqueness(t *testing.T) {
	c1 := mustCond(t, betterddb.OpGreaterThan, "total", 10)
	c2 := mustCond(t, betterddb.OpLessThan, "total", 100)
	c3 := mustCond(t, betterddb.OpNotEqual, "total", 50)

	expr, err := expression.NewBuilder().
		WithCondition(c1.And(c2).And(c3)).
		Build()
	require.NoError(t, err)

	// three operands, three distinct value placeholders
	require.Len(t, expr.Values(), 3)
	operands := map[string]bool{}
	for _, v := range expr.Values() {
		operands[v.(*types.AttributeValueMemberN).Value] = true
	}
	assert.Len(t, operands, 3)

	// one name placeholder suffices for the shared attribute
	assert.Len(t, expr.Names(), 1)
}
