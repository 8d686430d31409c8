package betterddb

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAttributeValue_Numbers(t *testing.T) {
	sum, err := addAttributeValue(
		&types.AttributeValueMemberN{Value: "10"},
		&types.AttributeValueMemberN{Value: "-3"},
	)
	require.NoError(t, err)
	assert.Equal(t, "7", sum.(*types.AttributeValueMemberN).Value)

	// missing attribute behaves as zero
	sum, err = addAttributeValue(nil, &types.AttributeValueMemberN{Value: "5"})
	require.NoError(t, err)
	assert.Equal(t, "5", sum.(*types.AttributeValueMemberN).Value)

	// floats stay floats
	sum, err = addAttributeValue(
		&types.AttributeValueMemberN{Value: "1.5"},
		&types.AttributeValueMemberN{Value: "2"},
	)
	require.NoError(t, err)
	assert.Equal(t, "3.5", sum.(*types.AttributeValueMemberN).Value)

	_, err = addAttributeValue(
		&types.AttributeValueMemberS{Value: "not a number"},
		&types.AttributeValueMemberN{Value: "1"},
	)
	require.Error(t, err)
}

func TestAddAttributeValue_Sets(t *testing.T) {
	union, err := addAttributeValue(
		&types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		&types.AttributeValueMemberSS{Value: []string{"b", "c"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, union.(*types.AttributeValueMemberSS).Value)

	union, err = addAttributeValue(nil, &types.AttributeValueMemberNS{Value: []string{"2", "1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, union.(*types.AttributeValueMemberNS).Value)

	_, err = addAttributeValue(
		&types.AttributeValueMemberSS{Value: []string{"a"}},
		&types.AttributeValueMemberBOOL{Value: true},
	)
	require.Error(t, err)
}

func TestDeleteAttributeValue(t *testing.T) {
	rest, err := deleteAttributeValue(
		&types.AttributeValueMemberSS{Value: []string{"a", "b", "c"}},
		&types.AttributeValueMemberSS{Value: []string{"b"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, rest.(*types.AttributeValueMemberSS).Value)

	// emptying the set removes the attribute
	rest, err = deleteAttributeValue(
		&types.AttributeValueMemberSS{Value: []string{"a"}},
		&types.AttributeValueMemberSS{Value: []string{"a", "z"}},
	)
	require.NoError(t, err)
	assert.Nil(t, rest)

	// deleting from a missing attribute is a no-op
	rest, err = deleteAttributeValue(nil, &types.AttributeValueMemberSS{Value: []string{"a"}})
	require.NoError(t, err)
	assert.Nil(t, rest)

	_, err = deleteAttributeValue(
		&types.AttributeValueMemberSS{Value: []string{"a"}},
		&types.AttributeValueMemberN{Value: "1"},
	)
	require.Error(t, err)
}
