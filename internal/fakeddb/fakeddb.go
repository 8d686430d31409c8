// Package fakeddb is an in-memory DynamoDB double for tests. It stores
// items per table, interprets the condition/update expressions the SDK
// expression builder generates, and supports pagination, batching with
// scriptable unprocessed items, and all-or-nothing transactions.
package fakeddb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one stored record.
type Item = map[string]types.AttributeValue

// IndexDef names a secondary index and its key attributes.
type IndexDef struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// TableDef names a table and its key attributes.
type TableDef struct {
	Name         string
	PartitionKey string
	SortKey      string
	Indexes      []IndexDef
}

type table struct {
	def   TableDef
	items map[string]Item
}

// Client implements the DynamoDB operations the library uses.
type Client struct {
	mu     sync.Mutex
	tables map[string]*table

	// Remaining rounds in which batch calls report everything unprocessed.
	unprocessedWriteRounds int
	unprocessedGetRounds   int

	// Captured inputs for assertions on generated expressions.
	LastUpdateInput    *dynamodb.UpdateItemInput
	LastQueryInput     *dynamodb.QueryInput
	TransactWriteCalls [][]types.TransactWriteItem
	BatchWriteCalls    int
	BatchGetCalls      int
}

// New creates a client with the given tables.
func New(defs ...TableDef) *Client {
	c := &Client{tables: map[string]*table{}}
	for _, def := range defs {
		c.tables[def.Name] = &table{def: def, items: map[string]Item{}}
	}
	return c
}

// FailNextBatchWrites makes the next n BatchWriteItem calls return all
// their requests as unprocessed.
func (c *Client) FailNextBatchWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unprocessedWriteRounds = n
}

// FailNextBatchGets makes the next n BatchGetItem calls return all their
// keys as unprocessed.
func (c *Client) FailNextBatchGets(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unprocessedGetRounds = n
}

// Seed stores an item directly, bypassing conditions.
func (c *Client) Seed(tableName string, item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl := c.tables[tableName]
	tbl.items[tbl.fingerprint(item)] = copyItem(item)
}

// Items returns a snapshot of every item in a table.
func (c *Client) Items(tableName string) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl := c.tables[tableName]
	out := make([]Item, 0, len(tbl.items))
	for _, fp := range sortedFingerprints(tbl.items) {
		out = append(out, copyItem(tbl.items[fp]))
	}
	return out
}

// Len returns the number of items in a table.
func (c *Client) Len(tableName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables[tableName].items)
}

func (c *Client) table(name *string) (*table, error) {
	if name == nil {
		return nil, fmt.Errorf("missing table name")
	}
	tbl, ok := c.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: ptr(fmt.Sprintf("table %q not found", *name))}
	}
	return tbl, nil
}

func (t *table) fingerprint(item Item) string {
	var sb strings.Builder
	writeAttr := func(attr string) {
		switch v := item[attr].(type) {
		case *types.AttributeValueMemberS:
			sb.WriteString("S:" + v.Value)
		case *types.AttributeValueMemberN:
			sb.WriteString("N:" + v.Value)
		case *types.AttributeValueMemberB:
			sb.WriteString("B:" + string(v.Value))
		default:
			sb.WriteString("?:")
		}
		sb.WriteByte('|')
	}
	writeAttr(t.def.PartitionKey)
	if t.def.SortKey != "" {
		writeAttr(t.def.SortKey)
	}
	return sb.String()
}

func (t *table) keyOf(item Item) Item {
	key := Item{t.def.PartitionKey: item[t.def.PartitionKey]}
	if t.def.SortKey != "" {
		key[t.def.SortKey] = item[t.def.SortKey]
	}
	return key
}

func copyItem(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func sortedFingerprints(items map[string]Item) []string {
	fps := make([]string, 0, len(items))
	for fp := range items {
		fps = append(fps, fp)
	}
	slices.Sort(fps)
	return fps
}

func ptr[T any](v T) *T { return &v }

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: ptr("The conditional request failed")}
}

// checkCondition evaluates an optional condition expression against the
// current item (nil when the item does not exist).
func checkCondition(expr *string, current Item, names map[string]string, values map[string]types.AttributeValue) error {
	if expr == nil {
		return nil
	}
	ok, err := evalCondition(*expr, exprEnv{item: current, names: names, values: values})
	if err != nil {
		return err
	}
	if !ok {
		return conditionFailed()
	}
	return nil
}

func (c *Client) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	item := tbl.items[tbl.fingerprint(in.Key)]
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (c *Client) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	fp := tbl.fingerprint(in.Item)
	if err := checkCondition(in.ConditionExpression, tbl.items[fp], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	tbl.items[fp] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (c *Client) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	fp := tbl.fingerprint(in.Key)
	if err := checkCondition(in.ConditionExpression, tbl.items[fp], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(tbl.items, fp)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *Client) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastUpdateInput = in
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	fp := tbl.fingerprint(in.Key)
	current := tbl.items[fp]
	if err := checkCondition(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	base := current
	if base == nil {
		base = copyItem(in.Key)
	}
	next := base
	if in.UpdateExpression != nil {
		next, err = applyUpdate(base, *in.UpdateExpression, exprEnv{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues})
		if err != nil {
			return nil, err
		}
	}
	tbl.items[fp] = next
	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (c *Client) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastQueryInput = in
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, fmt.Errorf("query requires a key condition")
	}

	sortAttr := tbl.def.SortKey
	if in.IndexName != nil {
		found := false
		for _, idx := range tbl.def.Indexes {
			if idx.Name == *in.IndexName {
				sortAttr = idx.SortKey
				found = true
				break
			}
		}
		if !found {
			return nil, &types.ResourceNotFoundException{Message: ptr(fmt.Sprintf("index %q not found", *in.IndexName))}
		}
	}

	var matches []Item
	for _, fp := range sortedFingerprints(tbl.items) {
		item := tbl.items[fp]
		ok, err := evalCondition(*in.KeyConditionExpression, exprEnv{item: item, names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues})
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, item)
		}
	}
	if sortAttr != "" {
		slices.SortStableFunc(matches, func(a, b Item) int {
			ord, err := compareAV(a[sortAttr], b[sortAttr])
			if err != nil {
				return 0
			}
			return ord
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		slices.Reverse(matches)
	}

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		startFP := tbl.fingerprint(in.ExclusiveStartKey)
		for i, item := range matches {
			if tbl.fingerprint(item) == startFP {
				start = i + 1
				break
			}
		}
	}

	end := len(matches)
	var lastKey Item
	if in.Limit != nil && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
		lastKey = tbl.keyOf(matches[end-1])
	}

	out := &dynamodb.QueryOutput{LastEvaluatedKey: lastKey}
	for _, item := range matches[start:end] {
		if in.FilterExpression != nil {
			ok, err := evalCondition(*in.FilterExpression, exprEnv{item: item, names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, projectItem(copyItem(item), in.ProjectionExpression, in.ExpressionAttributeNames))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (c *Client) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, err := c.table(in.TableName)
	if err != nil {
		return nil, err
	}
	fps := sortedFingerprints(tbl.items)

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		startFP := tbl.fingerprint(in.ExclusiveStartKey)
		if i := slices.Index(fps, startFP); i >= 0 {
			start = i + 1
		}
	}
	end := len(fps)
	var lastKey Item
	if in.Limit != nil && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
		lastKey = tbl.keyOf(tbl.items[fps[end-1]])
	}

	out := &dynamodb.ScanOutput{LastEvaluatedKey: lastKey}
	for _, fp := range fps[start:end] {
		item := tbl.items[fp]
		if in.FilterExpression != nil {
			ok, err := evalCondition(*in.FilterExpression, exprEnv{item: item, names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, projectItem(copyItem(item), in.ProjectionExpression, in.ExpressionAttributeNames))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func projectItem(item Item, projection *string, names map[string]string) Item {
	if projection == nil {
		return item
	}
	keep := map[string]bool{}
	for _, tok := range strings.Split(*projection, ",") {
		tok = strings.TrimSpace(tok)
		if name, ok := names[tok]; ok {
			keep[name] = true
		} else {
			keep[tok] = true
		}
	}
	out := make(Item, len(keep))
	for k, v := range item {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

func (c *Client) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BatchGetCalls++
	if c.unprocessedGetRounds > 0 {
		c.unprocessedGetRounds--
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]Item{}}
	for tableName, ka := range in.RequestItems {
		tbl, err := c.table(&tableName)
		if err != nil {
			return nil, err
		}
		for _, key := range ka.Keys {
			if item, ok := tbl.items[tbl.fingerprint(key)]; ok {
				out.Responses[tableName] = append(out.Responses[tableName], copyItem(item))
			}
		}
	}
	return out, nil
}

func (c *Client) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BatchWriteCalls++
	if c.unprocessedWriteRounds > 0 {
		c.unprocessedWriteRounds--
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: in.RequestItems}, nil
	}
	for tableName, requests := range in.RequestItems {
		tbl, err := c.table(&tableName)
		if err != nil {
			return nil, err
		}
		for _, req := range requests {
			switch {
			case req.PutRequest != nil:
				tbl.items[tbl.fingerprint(req.PutRequest.Item)] = copyItem(req.PutRequest.Item)
			case req.DeleteRequest != nil:
				delete(tbl.items, tbl.fingerprint(req.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (c *Client) TransactGetItems(ctx context.Context, in *dynamodb.TransactGetItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &dynamodb.TransactGetItemsOutput{}
	for _, ti := range in.TransactItems {
		tbl, err := c.table(ti.Get.TableName)
		if err != nil {
			return nil, err
		}
		item := tbl.items[tbl.fingerprint(ti.Get.Key)]
		out.Responses = append(out.Responses, types.ItemResponse{Item: copyItem(item)})
	}
	return out, nil
}

// TransactWriteItems checks every item's condition against the pre-image
// and either applies all writes or cancels the whole transaction with
// per-item reasons, the way the real service does.
func (c *Client) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TransactWriteCalls = append(c.TransactWriteCalls, in.TransactItems)

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: ptr("None")}
		var tableName *string
		var current Item
		var cond *string
		var names map[string]string
		var values map[string]types.AttributeValue
		switch {
		case ti.Put != nil:
			tableName = ti.Put.TableName
			cond = ti.Put.ConditionExpression
			names = ti.Put.ExpressionAttributeNames
			values = ti.Put.ExpressionAttributeValues
		case ti.Delete != nil:
			tableName = ti.Delete.TableName
			cond = ti.Delete.ConditionExpression
			names = ti.Delete.ExpressionAttributeNames
			values = ti.Delete.ExpressionAttributeValues
		case ti.Update != nil:
			tableName = ti.Update.TableName
			cond = ti.Update.ConditionExpression
			names = ti.Update.ExpressionAttributeNames
			values = ti.Update.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			tableName = ti.ConditionCheck.TableName
			cond = ti.ConditionCheck.ConditionExpression
			names = ti.ConditionCheck.ExpressionAttributeNames
			values = ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, fmt.Errorf("empty transact item at index %d", i)
		}
		tbl, err := c.table(tableName)
		if err != nil {
			return nil, err
		}
		switch {
		case ti.Put != nil:
			current = tbl.items[tbl.fingerprint(ti.Put.Item)]
		case ti.Delete != nil:
			current = tbl.items[tbl.fingerprint(ti.Delete.Key)]
		case ti.Update != nil:
			current = tbl.items[tbl.fingerprint(ti.Update.Key)]
		case ti.ConditionCheck != nil:
			current = tbl.items[tbl.fingerprint(ti.ConditionCheck.Key)]
		}
		if err := checkCondition(cond, current, names, values); err != nil {
			var ccf *types.ConditionalCheckFailedException
			if !errors.As(err, &ccf) {
				return nil, err
			}
			reasons[i] = types.CancellationReason{Code: ptr("ConditionalCheckFailed"), Message: ccf.Message}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             ptr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			tbl, _ := c.table(ti.Put.TableName)
			tbl.items[tbl.fingerprint(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Delete != nil:
			tbl, _ := c.table(ti.Delete.TableName)
			delete(tbl.items, tbl.fingerprint(ti.Delete.Key))
		case ti.Update != nil:
			tbl, _ := c.table(ti.Update.TableName)
			fp := tbl.fingerprint(ti.Update.Key)
			base := tbl.items[fp]
			if base == nil {
				base = copyItem(ti.Update.Key)
			}
			next, err := applyUpdate(base, *ti.Update.UpdateExpression, exprEnv{names: ti.Update.ExpressionAttributeNames, values: ti.Update.ExpressionAttributeValues})
			if err != nil {
				return nil, err
			}
			tbl.items[fp] = next
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
