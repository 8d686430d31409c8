package betterddb_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/ryanrawlingswang/betterddb"
	"github.com/ryanrawlingswang/betterddb/internal/fakeddb"
	"github.com/ryanrawlingswang/betterddb/keys"
)

const userTable = "app-data"

type user struct {
	ID     string   `dynamodbav:"id"`
	Email  string   `dynamodbav:"email"`
	Name   string   `dynamodbav:"name"`
	Points int      `dynamodbav:"points,omitempty"`
	Tags   []string `dynamodbav:"tags,stringset,omitempty"`
}

// userKeys derives the table key from id and email, plus one index per
// lookup path: byEmail resolves an email back to its user, byName groups
// users by display name.
func userKeys() keys.Config {
	return keys.Config{
		Partition: keys.KeyConfig{AttributeName: "pk", Definition: keys.Fmt("USER#%s", "id")},
		Sort:      &keys.KeyConfig{AttributeName: "sk", Definition: keys.Fmt("EMAIL#%s", "email")},
		Indexes: map[string]keys.IndexConfig{
			"byEmail": {
				Name:      "gsi1",
				Partition: keys.KeyConfig{AttributeName: "gsi1pk", Definition: keys.Fmt("EMAIL#%s", "email")},
				Sort:      &keys.KeyConfig{AttributeName: "gsi1sk", Definition: keys.FieldRef("id")},
			},
			"byName": {
				Name:      "gsi2",
				Partition: keys.KeyConfig{AttributeName: "gsi2pk", Definition: keys.Fmt("NAME#%s", "name")},
				Sort:      &keys.KeyConfig{AttributeName: "gsi2sk", Definition: keys.FieldRef("id")},
			},
		},
	}
}

func newUserClient() *fakeddb.Client {
	return fakeddb.New(fakeddb.TableDef{
		Name:         userTable,
		PartitionKey: "pk",
		SortKey:      "sk",
		Indexes: []fakeddb.IndexDef{
			{Name: "gsi1", PartitionKey: "gsi1pk", SortKey: "gsi1sk"},
			{Name: "gsi2", PartitionKey: "gsi2pk", SortKey: "gsi2sk"},
		},
	})
}

func newUserStore(t *testing.T, opts ...betterddb.Option[user]) (*betterddb.Store[user], *fakeddb.Client) {
	t.Helper()
	client := newUserClient()
	store, err := betterddb.New[user](client, userTable, userKeys(), opts...)
	require.NoError(t, err)
	return store, client
}

func userKey(id, email string) map[string]any {
	return map[string]any{"id": id, "email": email}
}

func mustCreate(t *testing.T, store *betterddb.Store[user], u user) user {
	t.Helper()
	created, err := store.Create(u).Execute(context.Background())
	require.NoError(t, err)
	return created
}

func mustCond(t *testing.T, op betterddb.Operator, name string, operands ...any) expression.ConditionBuilder {
	t.Helper()
	c, err := betterddb.Compare(op, name, operands...)
	require.NoError(t, err)
	return c
}

// rawItem fetches the stored item for a user key straight from the fake.
func rawItem(t *testing.T, client *fakeddb.Client, pk, sk string) fakeddb.Item {
	t.Helper()
	for _, item := range client.Items(userTable) {
		p, _ := item["pk"].(*types.AttributeValueMemberS)
		s, _ := item["sk"].(*types.AttributeValueMemberS)
		if p != nil && s != nil && p.Value == pk && s.Value == sk {
			return item
		}
	}
	return nil
}

// rejectingValidator fails every full validation whose entity name matches
// reject, and every partial validation touching a rejected field.
type rejectingValidator struct {
	rejectName  string
	rejectField string
}

func (v rejectingValidator) Validate(u user) error {
	if v.rejectName != "" && u.Name == v.rejectName {
		return fmt.Errorf("name %q is not allowed", u.Name)
	}
	return nil
}

func (v rejectingValidator) ValidatePartial(fields map[string]any) error {
	if v.rejectField == "" {
		return nil
	}
	if _, ok := fields[v.rejectField]; ok {
		return fmt.Errorf("field %q may not be modified", v.rejectField)
	}
	return nil
}

func TestNew_RequiresTableAndValidConfig(t *testing.T) {
	client := newUserClient()

	_, err := betterddb.New[user](client, "", userKeys())
	require.Error(t, err)

	_, err = betterddb.New[user](client, userTable, keys.Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "partition key")
}
