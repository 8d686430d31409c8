package schema

import (
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanrawlingswang/betterddb/keys"
)

const userSchema = `
table: app-data
partition:
  attribute: pk
  pattern: "USER#{id}"
sort:
  attribute: sk
  pattern: "EMAIL#{email}"
indexes:
  byEmail:
    name: gsi1
    partition: {attribute: gsi1pk, pattern: "EMAIL#{email}"}
    sort: {attribute: gsi1sk, pattern: "{id}"}
`

func TestLoad(t *testing.T) {
	def, err := Load(strings.NewReader(userSchema))
	require.NoError(t, err)
	assert.Equal(t, "app-data", def.Table)
	require.NotNil(t, def.Sort)
	assert.Equal(t, "sk", def.Sort.Attribute)
	require.Contains(t, def.Indexes, "byEmail")
	assert.Equal(t, "gsi1", def.Indexes["byEmail"].Name)
}

func TestDefinition_KeysConfig(t *testing.T) {
	def, err := Parse([]byte(userSchema))
	require.NoError(t, err)
	cfg, err := def.KeysConfig()
	require.NoError(t, err)

	item := keys.Item{
		"id":    &types.AttributeValueMemberS{Value: "u1"},
		"email": &types.AttributeValueMemberS{Value: "a@x.com"},
	}
	key, err := cfg.ComputeKey(item)
	require.NoError(t, err)
	assert.Equal(t, "USER#u1", key["pk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "EMAIL#a@x.com", key["sk"].(*types.AttributeValueMemberS).Value)

	idx, err := cfg.ComputeIndexAttributes(item)
	require.NoError(t, err)
	assert.Equal(t, "EMAIL#a@x.com", idx["gsi1pk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "u1", idx["gsi1sk"].(*types.AttributeValueMemberS).Value)
}

func TestParse_MissingTable(t *testing.T) {
	_, err := Parse([]byte(`partition: {attribute: pk, pattern: "{id}"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a table name")
}

func TestCompilePattern(t *testing.T) {
	item := keys.Item{
		"id":     &types.AttributeValueMemberS{Value: "u1"},
		"tenant": &types.AttributeValueMemberS{Value: "t9"},
	}

	tests := []struct {
		pattern string
		want    string
		wantErr bool
	}{
		{pattern: "USER#{id}", want: "USER#u1"},
		{pattern: "{tenant}#USER#{id}", want: "t9#USER#u1"},
		{pattern: "{id}", want: "u1"},
		{pattern: "CONST", want: "CONST"},
		{pattern: "USER#{id}#suffix", want: "USER#u1#suffix"},
		{pattern: "USER#{missing}", wantErr: true},
		{pattern: "USER#{", wantErr: true},
		{pattern: "USER#}", wantErr: true},
		{pattern: "USER#{}", wantErr: true},
		{pattern: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			def, err := CompilePattern(tt.pattern)
			if err != nil {
				require.True(t, tt.wantErr, "unexpected compile error: %v", err)
				return
			}
			got, err := def.Eval(item)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompilePattern_SingleFieldIsFieldRef(t *testing.T) {
	def, err := CompilePattern("{count}")
	require.NoError(t, err)
	// a bare field reference passes numbers through verbatim
	got, err := def.Eval(keys.Item{"count": &types.AttributeValueMemberN{Value: "42"}})
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}
