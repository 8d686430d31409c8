package keys

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func n(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }

func userConfig() Config {
	return Config{
		Partition: KeyConfig{AttributeName: "pk", Definition: Fmt("USER#%s", "id")},
		Sort:      &KeyConfig{AttributeName: "sk", Definition: Fmt("EMAIL#%s", "email")},
		Indexes: map[string]IndexConfig{
			"byEmail": {
				Name:      "gsi1",
				Partition: KeyConfig{AttributeName: "gsi1pk", Definition: Fmt("EMAIL#%s", "email")},
				Sort:      &KeyConfig{AttributeName: "gsi1sk", Definition: FieldRef("id")},
			},
		},
	}
}

func TestKeyDef_Eval(t *testing.T) {
	item := Item{
		"id":    s("u1"),
		"count": n("42"),
	}

	tests := []struct {
		name    string
		def     KeyDef
		want    string
		wantErr bool
	}{
		{name: "field ref string", def: FieldRef("id"), want: "u1"},
		{name: "field ref number", def: FieldRef("count"), want: "42"},
		{name: "field ref missing", def: FieldRef("nope"), wantErr: true},
		{name: "fmt", def: Fmt("USER#%s", "id"), want: "USER#u1"},
		{name: "fmt missing field", def: Fmt("USER#%s", "nope"), wantErr: true},
		{name: "computed", def: Computed(func(i Item) (string, error) { return "const", nil }), want: "const"},
		{name: "zero def", def: KeyDef{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.def.Eval(item)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyDef_Eval_UnusableFieldType(t *testing.T) {
	item := Item{"flag": &types.AttributeValueMemberBOOL{Value: true}}
	_, err := FieldRef("flag").Eval(item)
	var ce *ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "flag", ce.Field)
}

func TestConfig_ComputeKey(t *testing.T) {
	cfg := userConfig()
	item := Item{"id": s("u1"), "email": s("a@x.com")}

	key, err := cfg.ComputeKey(item)
	require.NoError(t, err)
	assert.Equal(t, Item{"pk": s("USER#u1"), "sk": s("EMAIL#a@x.com")}, key)
}

func TestConfig_ComputeKey_MissingField(t *testing.T) {
	cfg := userConfig()
	_, err := cfg.ComputeKey(Item{"id": s("u1")})

	var ce *ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "email", ce.Field)
	assert.Equal(t, "sk", ce.Attribute)
}

func TestConfig_ComputeIndexAttributes(t *testing.T) {
	cfg := userConfig()
	item := Item{"id": s("u1"), "email": s("a@x.com")}

	attrs, err := cfg.ComputeIndexAttributes(item)
	require.NoError(t, err)
	assert.Equal(t, Item{"gsi1pk": s("EMAIL#a@x.com"), "gsi1sk": s("u1")}, attrs)
}

func TestConfig_Compute_Idempotent(t *testing.T) {
	cfg := userConfig()
	item := Item{"id": s("u1"), "email": s("a@x.com")}

	k1, err := cfg.ComputeKey(item)
	require.NoError(t, err)
	k2, err := cfg.ComputeKey(item)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	i1, err := cfg.ComputeIndexAttributes(item)
	require.NoError(t, err)
	i2, err := cfg.ComputeIndexAttributes(item)
	require.NoError(t, err)
	assert.Equal(t, i1, i2)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "missing partition",
			mutate:  func(c *Config) { c.Partition = KeyConfig{} },
			wantErr: "partition key config is incomplete",
		},
		{
			name:    "sort collides with partition",
			mutate:  func(c *Config) { c.Sort.AttributeName = "pk" },
			wantErr: "collides with partition key",
		},
		{
			name: "index collides with table key",
			mutate: func(c *Config) {
				idx := c.Indexes["byEmail"]
				idx.Partition.AttributeName = "sk"
				c.Indexes["byEmail"] = idx
			},
			wantErr: "collides with a table key attribute",
		},
		{
			name: "index missing name",
			mutate: func(c *Config) {
				idx := c.Indexes["byEmail"]
				idx.Name = ""
				c.Indexes["byEmail"] = idx
			},
			wantErr: "has no index name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := userConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiffKeyAttributes(t *testing.T) {
	old := Item{"pk": s("USER#u1"), "sk": s("EMAIL#a@x.com")}
	new := Item{"pk": s("USER#u1"), "sk": s("EMAIL#b@x.com")}

	changed := DiffKeyAttributes(old, new)
	require.Len(t, changed, 1)
	assert.Equal(t, "sk", changed[0].Name)
	assert.Equal(t, s("EMAIL#a@x.com"), changed[0].Old)
	assert.Equal(t, s("EMAIL#b@x.com"), changed[0].New)
}

func TestDiffKeyAttributes_AddedAndRemoved(t *testing.T) {
	changed := DiffKeyAttributes(
		Item{"gsi1pk": s("a"), "gone": s("x")},
		Item{"gsi1pk": s("a"), "gsi1sk": s("b")},
	)
	require.Len(t, changed, 2)
	// sorted by name
	assert.Equal(t, "gone", changed[0].Name)
	assert.Nil(t, changed[0].New)
	assert.Equal(t, "gsi1sk", changed[1].Name)
	assert.Nil(t, changed[1].Old)
}

func TestDiffKeyAttributes_NoChange(t *testing.T) {
	m := Item{"pk": s("USER#u1"), "n": n("5")}
	assert.Empty(t, DiffKeyAttributes(m, Item{"pk": s("USER#u1"), "n": n("5")}))
}

func TestFieldString_MissingField(t *testing.T) {
	_, err := FieldString(Item{}, "id")
	var ce *ComputationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "id", ce.Field)
}
