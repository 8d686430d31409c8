package betterddb_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanrawlingswang/betterddb"
	"github.com/ryanrawlingswang/betterddb/keys"
)

func TestCreate_RoundTrip(t *testing.T) {
	store, client := newUserStore(t)
	ctx := context.Background()

	alice := user{ID: "u1", Email: "a@x.com", Name: "Alice", Points: 10}
	created := mustCreate(t, store, alice)
	assert.Equal(t, alice, created)

	got, err := store.Get(userKey("u1", "a@x.com")).Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, alice, *got)

	item := rawItem(t, client, "USER#u1", "EMAIL#a@x.com")
	require.NotNil(t, item)
	assert.Equal(t, "EMAIL#a@x.com", item["gsi1pk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "u1", item["gsi1sk"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "NAME#Alice", item["gsi2pk"].(*types.AttributeValueMemberS).Value)
}

func TestCreate_Bookkeeping(t *testing.T) {
	store, client := newUserStore(t,
		betterddb.WithEntityType[user]("user"),
		betterddb.WithTimestamps[user](),
		betterddb.WithVersioning[user](),
	)
	mustCreate(t, store, user{ID: "u1", Email: "a@x.com", Name: "Alice"})

	item := rawItem(t, client, "USER#u1", "EMAIL#a@x.com")
	require.NotNil(t, item)
	assert.Equal(t, "user", item[betterddb.AttrEntityType].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "1", item[betterddb.AttrVersion].(*types.AttributeValueMemberN).Value)

	createdAt := item[betterddb.AttrCreatedAt].(*types.AttributeValueMemberS).Value
	_, err := time.Parse(time.RFC3339Nano, createdAt)
	require.NoError(t, err)
	assert.Equal(t, createdAt, item[betterddb.AttrUpdatedAt].(*types.AttributeValueMemberS).Value)
}

func TestCreate_IfNotExists(t *testing.T) {
	store, _ := newUserStore(t)
	ctx := context.Background()

	mustCreate(t, store, user{ID: "u1", Email: "a@x.com", Name: "Alice"})

	_, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Imposter"}).
		IfNotExists().
		Execute(ctx)
	var pf *betterddb.PreconditionFailedError
	require.ErrorAs(t, err, &pf)

	// without the guard, a create overwrites
	_, err = store.Create(user{ID: "u1", Email: "a@x.com", Name: "Imposter"}).Execute(ctx)
	require.NoError(t, err)
}

func TestCreate_ValidatorRejects(t *testing.T) {
	store, client := newUserStore(t, betterddb.WithValidator[user](rejectingValidator{rejectName: "Mallory"}))

	_, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Mallory"}).Execute(context.Background())
	var ve *betterddb.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, client.Len(userTable))
}

func TestCreate_TTL(t *testing.T) {
	expiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	t.Run("requires ttl attribute on store", func(t *testing.T) {
		store, _ := newUserStore(t)
		_, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Alice"}).
			WithTTL(expiry).
			Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "WithTTLAttribute")
	})

	t.Run("stores unix expiry", func(t *testing.T) {
		store, client := newUserStore(t, betterddb.WithTTLAttribute[user]("expiresAt"))
		_, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Alice"}).
			WithTTL(expiry).
			Execute(context.Background())
		require.NoError(t, err)

		item := rawItem(t, client, "USER#u1", "EMAIL#a@x.com")
		require.NotNil(t, item)
		assert.Equal(t, strconv.FormatInt(expiry.Unix(), 10), item["expiresAt"].(*types.AttributeValueMemberN).Value)
	})
}

func TestGet_MissingKeyFieldFails(t *testing.T) {
	store, _ := newUserStore(t)

	// the sort key derives from email, which the key map does not carry
	_, err := store.Get(map[string]any{"id": "u1"}).Execute(context.Background())
	var ce *keys.ComputationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "email", ce.Field)
	assert.Equal(t, "sk", ce.Attribute)
}

func TestGet_MissingItemReturnsNil(t *testing.T) {
	store, _ := newUserStore(t)

	got, err := store.Get(userKey("ghost", "g@x.com")).Execute(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}
