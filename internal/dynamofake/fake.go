// Package dynamofake provides an in-memory DynamoDB double for tests.
//
// It implements the subset of the DynamoDB API the store uses: point
// reads and writes, sort-key ordered queries, and atomic
// TransactWriteItems with condition evaluation. Items are keyed by the
// string attributes pk and sk.
package dynamofake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fake is an in-memory DynamoDB. Safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	tables      map[string]map[string]map[string]types.AttributeValue
	transactErr error
}

// New creates an empty Fake. Tables are created implicitly on first write.
func New() *Fake {
	return &Fake{
		tables: make(map[string]map[string]map[string]types.AttributeValue),
	}
}

// FailNextTransact makes the next TransactWriteItems call return err
// without applying anything. Used to exercise commit-failure paths.
func (f *Fake) FailNextTransact(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactErr = err
}

// Len returns the total number of stored items across all tables.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, table := range f.tables {
		n += len(table)
	}
	return n
}

func (f *Fake) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := f.table(aws.ToString(in.TableName))[compositeKey(in.Key)]
	if item == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := f.table(aws.ToString(in.TableName))
	ck := compositeKey(in.Item)

	if in.ConditionExpression != nil {
		ok, err := evalCondition(aws.ToString(in.ConditionExpression), table[ck])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}

	table[ck] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := f.table(aws.ToString(in.TableName))
	ck := compositeKey(in.Key)
	old := table[ck]

	if in.ConditionExpression != nil {
		ok, err := evalCondition(aws.ToString(in.ConditionExpression), old)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}

	delete(table, ck)

	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Only the form the store issues: "pk = :pk".
	cond := strings.ReplaceAll(aws.ToString(in.KeyConditionExpression), " ", "")
	if cond != "pk=:pk" {
		return nil, fmt.Errorf("dynamofake: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}
	pkAttr, ok := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamofake: missing :pk value")
	}

	type hit struct {
		sk   string
		item map[string]types.AttributeValue
	}
	var hits []hit
	for _, item := range f.table(aws.ToString(in.TableName)) {
		if stringAttr(item, "pk") == pkAttr.Value {
			hits = append(hits, hit{sk: stringAttr(item, "sk"), item: item})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sk < hits[j].sk })
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
			hits[i], hits[j] = hits[j], hits[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(hits) {
		hits = hits[:*in.Limit]
	}

	out := &dynamodb.QueryOutput{Count: int32(len(hits))}
	for _, h := range hits {
		out.Items = append(out.Items, cloneItem(h.item))
	}
	return out, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transactErr != nil {
		err := f.transactErr
		f.transactErr = nil
		return nil, err
	}

	// Validate every condition first so a failure applies nothing.
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}

		var expr *string
		var target map[string]types.AttributeValue
		switch {
		case item.ConditionCheck != nil:
			expr = item.ConditionCheck.ConditionExpression
			target = f.table(aws.ToString(item.ConditionCheck.TableName))[compositeKey(item.ConditionCheck.Key)]
		case item.Put != nil:
			expr = item.Put.ConditionExpression
			target = f.table(aws.ToString(item.Put.TableName))[compositeKey(item.Put.Item)]
		case item.Delete != nil:
			expr = item.Delete.ConditionExpression
			target = f.table(aws.ToString(item.Delete.TableName))[compositeKey(item.Delete.Key)]
		default:
			return nil, fmt.Errorf("dynamofake: unsupported transact item at index %d", i)
		}

		if expr == nil {
			continue
		}
		ok, err := evalCondition(aws.ToString(expr), target)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			table := f.table(aws.ToString(item.Put.TableName))
			table[compositeKey(item.Put.Item)] = cloneItem(item.Put.Item)
		case item.Delete != nil:
			table := f.table(aws.ToString(item.Delete.TableName))
			delete(table, compositeKey(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// compositeKey joins the pk and sk string attributes of a key or item.
func compositeKey(attrs map[string]types.AttributeValue) string {
	return stringAttr(attrs, "pk") + "\x00" + stringAttr(attrs, "sk")
}

func stringAttr(attrs map[string]types.AttributeValue, name string) string {
	if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// evalCondition evaluates the condition expressions the store uses:
// attribute_exists(name) and attribute_not_exists(name).
func evalCondition(expr string, item map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "attribute_not_exists(") && strings.HasSuffix(expr, ")"):
		attr := expr[len("attribute_not_exists(") : len(expr)-1]
		return item == nil || item[attr] == nil, nil
	case strings.HasPrefix(expr, "attribute_exists(") && strings.HasSuffix(expr, ")"):
		attr := expr[len("attribute_exists(") : len(expr)-1]
		return item != nil && item[attr] != nil, nil
	default:
		return false, fmt.Errorf("dynamofake: unsupported condition %q", expr)
	}
}

// cloneItem deep-copies an item so callers never alias stored state.
func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v types.AttributeValue) types.AttributeValue {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: av.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: av.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: av.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: av.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), av.Value...)}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), av.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), av.Value...)}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(av.Value))
		for i, elem := range av.Value {
			list[i] = cloneValue(elem)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(av.Value)}
	default:
		return v
	}
}
