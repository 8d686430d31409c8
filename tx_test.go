package betterddb_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanrawlingswang/betterddb"
)

func TestTx_CommitsMultipleItems(t *testing.T) {
	store, client := newUserStore(t)
	ctx := context.Background()

	put1, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Alice"}).TransactWriteItem()
	require.NoError(t, err)
	put2, err := store.Create(user{ID: "u2", Email: "b@y.com", Name: "Bob"}).TransactWriteItem()
	require.NoError(t, err)

	tx := betterddb.NewTx(client)
	tx.Add(put1, put2)
	require.Equal(t, 2, tx.Len())
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 2, client.Len(userTable))
	require.Len(t, client.TransactWriteCalls, 1)
}

func TestTx_SingleItemAvoidsTransaction(t *testing.T) {
	store, client := newUserStore(t)

	put, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Alice"}).TransactWriteItem()
	require.NoError(t, err)

	tx := betterddb.NewTx(client)
	tx.Add(put)
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, 1, client.Len(userTable))
	assert.Empty(t, client.TransactWriteCalls)
}

func TestTx_EmptyCommitIsNoop(t *testing.T) {
	_, client := newUserStore(t)

	require.NoError(t, betterddb.NewTx(client).Commit(context.Background()))
	assert.Empty(t, client.TransactWriteCalls)
}

func TestTx_FailedConditionCheckAbortsAll(t *testing.T) {
	store, client := newUserStore(t)
	ctx := context.Background()
	mustCreate(t, store, user{ID: "guard", Email: "g@x.com", Name: "Guard"})

	put, err := store.Create(user{ID: "u1", Email: "a@x.com", Name: "Alice"}).TransactWriteItem()
	require.NoError(t, err)

	key := betterddb.Item{
		"pk": &types.AttributeValueMemberS{Value: "USER#guard"},
		"sk": &types.AttributeValueMemberS{Value: "EMAIL#g@x.com"},
	}

	tx := betterddb.NewTx(client)
	tx.Add(put)
	tx.ConditionCheck(userTable, key, mustCond(t, betterddb.OpEqual, "name", "NotGuard"))
	err = tx.Commit(ctx)

	var pf *betterddb.PreconditionFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, client.Len(userTable)) // only the pre-existing guard item
}

func TestTx_DeleteWithTransactItems(t *testing.T) {
	store, client := newUserStore(t)
	ctx := context.Background()
	mustCreate(t, store, user{ID: "u1", Email: "a@x.com", Name: "Alice"})
	mustCreate(t, store, user{ID: "u2", Email: "b@y.com", Name: "Bob"})

	del2, err := store.Delete(userKey("u2", "b@y.com")).TransactWriteItem()
	require.NoError(t, err)

	err = store.Delete(userKey("u1", "a@x.com")).
		WithTransactItems(del2).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, client.Len(userTable))
	require.Len(t, client.TransactWriteCalls, 1)
	assert.Len(t, client.TransactWriteCalls[0], 2)
}

func TestCreate_WithTransactItems(t *testing.T) {
	store, client := newUserStore(t)
	ctx := context.Background()
	mustCreate(t, store, user{ID: "old", Email: "old@x.com", Name: "Old"})

	delOld, err := store.Delete(userKey("old", "old@x.com")).TransactWriteItem()
	require.NoError(t, err)

	created, err := store.Create(user{ID: "new", Email: "new@x.com", Name: "New"}).
		WithTransactItems(delOld).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", created.ID)
	assert.Equal(t, 1, client.Len(userTable))
}
