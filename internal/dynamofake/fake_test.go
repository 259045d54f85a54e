package dynamofake

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func item(pk, sk string, extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	m := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return item(pk, sk, nil)
}

func put(t *testing.T, f *Fake, pk, sk string, extra map[string]types.AttributeValue) {
	t.Helper()
	_, err := f.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("t"),
		Item:      item(pk, sk, extra),
	})
	if err != nil {
		t.Fatalf("PutItem(%s/%s): %v", pk, sk, err)
	}
}

func TestGetItem_Missing(t *testing.T) {
	f := New()

	out, err := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "s"),
	})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if out.Item != nil {
		t.Errorf("expected nil item, got %v", out.Item)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	f := New()
	put(t, f, "p", "s", map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "alice"},
	})

	out, err := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "s"),
	})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if v, ok := out.Item["name"].(*types.AttributeValueMemberS); !ok || v.Value != "alice" {
		t.Errorf("name = %v, want alice", out.Item["name"])
	}
}

func TestGetItem_ReturnsCopy(t *testing.T) {
	f := New()
	put(t, f, "p", "s", map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "alice"},
	})

	out, _ := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "s"),
	})
	out.Item["name"].(*types.AttributeValueMemberS).Value = "mutated"

	again, _ := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "s"),
	})
	if v := again.Item["name"].(*types.AttributeValueMemberS).Value; v != "alice" {
		t.Errorf("stored item was mutated through a read: %q", v)
	}
}

func TestPutItem_ConditionNotExists(t *testing.T) {
	f := New()
	put(t, f, "p", "s", nil)

	_, err := f.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName:           aws.String("t"),
		Item:                item("p", "s", nil),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		t.Errorf("PutItem = %v, want ConditionalCheckFailedException", err)
	}
}

func TestDeleteItem_ReturnAllOld(t *testing.T) {
	f := New()
	put(t, f, "p", "s", map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "alice"},
	})

	out, err := f.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName:    aws.String("t"),
		Key:          keyOf("p", "s"),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if v, ok := out.Attributes["name"].(*types.AttributeValueMemberS); !ok || v.Value != "alice" {
		t.Errorf("Attributes = %v, want old item", out.Attributes)
	}

	// Second delete observes nothing.
	out, err = f.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName:    aws.String("t"),
		Key:          keyOf("p", "s"),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		t.Fatalf("second DeleteItem: %v", err)
	}
	if len(out.Attributes) != 0 {
		t.Errorf("second delete returned %v, want nothing", out.Attributes)
	}
}

func TestQuery_SortKeyOrder(t *testing.T) {
	f := New()
	put(t, f, "p", "b", nil)
	put(t, f, "p", "a", nil)
	put(t, f, "p", "c", nil)
	put(t, f, "other", "z", nil)

	query := func(forward bool) []string {
		out, err := f.Query(context.Background(), &dynamodb.QueryInput{
			TableName:              aws.String("t"),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: "p"},
			},
			ScanIndexForward: aws.Bool(forward),
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		var sks []string
		for _, it := range out.Items {
			sks = append(sks, it["sk"].(*types.AttributeValueMemberS).Value)
		}
		return sks
	}

	forward := query(true)
	if len(forward) != 3 || forward[0] != "a" || forward[1] != "b" || forward[2] != "c" {
		t.Errorf("forward = %v, want [a b c]", forward)
	}
	backward := query(false)
	if len(backward) != 3 || backward[0] != "c" || backward[2] != "a" {
		t.Errorf("backward = %v, want [c b a]", backward)
	}
}

func TestTransactWriteItems_Atomic(t *testing.T) {
	f := New()
	put(t, f, "p", "existing", nil)

	// Second item's condition fails; the first put must not apply.
	_, err := f.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("t"), Item: item("p", "new", nil)}},
			{Put: &types.Put{
				TableName:           aws.String("t"),
				Item:                item("p", "existing", nil),
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		t.Fatalf("TransactWriteItems = %v, want TransactionCanceledException", err)
	}
	if len(canceled.CancellationReasons) != 2 {
		t.Fatalf("expected 2 cancellation reasons, got %d", len(canceled.CancellationReasons))
	}
	if code := aws.ToString(canceled.CancellationReasons[0].Code); code != "None" {
		t.Errorf("reason[0] = %q, want None", code)
	}
	if code := aws.ToString(canceled.CancellationReasons[1].Code); code != "ConditionalCheckFailed" {
		t.Errorf("reason[1] = %q, want ConditionalCheckFailed", code)
	}

	out, err := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "new"),
	})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if out.Item != nil {
		t.Error("failed transaction applied a put")
	}
}

func TestTransactWriteItems_ConditionCheck(t *testing.T) {
	f := New()
	put(t, f, "p", "parent", nil)

	_, err := f.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String("t"),
				Key:                 keyOf("p", "parent"),
				ConditionExpression: aws.String("attribute_exists(pk)"),
			}},
			{Put: &types.Put{TableName: aws.String("t"), Item: item("p", "child", nil)}},
		},
	})
	if err != nil {
		t.Fatalf("TransactWriteItems: %v", err)
	}

	out, _ := f.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("t"),
		Key:       keyOf("p", "child"),
	})
	if out.Item == nil {
		t.Error("transaction with passing condition did not apply")
	}
}

func TestTransactWriteItems_DeleteApplies(t *testing.T) {
	f := New()
	put(t, f, "p", "a", nil)
	put(t, f, "p", "b", nil)

	_, err := f.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String("t"), Key: keyOf("p", "a")}},
			{Delete: &types.Delete{TableName: aws.String("t"), Key: keyOf("p", "b")}},
		},
	})
	if err != nil {
		t.Fatalf("TransactWriteItems: %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("expected empty store after deletes, got %d items", f.Len())
	}
}

func TestFailNextTransact(t *testing.T) {
	f := New()
	boom := errors.New("boom")
	f.FailNextTransact(boom)

	_, err := f.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("t"), Item: item("p", "s", nil)}},
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if f.Len() != 0 {
		t.Error("failed transaction applied state")
	}

	// Injection is one-shot.
	_, err = f.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("t"), Item: item("p", "s", nil)}},
		},
	})
	if err != nil {
		t.Fatalf("second transact: %v", err)
	}
}

func TestEvalCondition_Unsupported(t *testing.T) {
	if _, err := evalCondition("size(data) > :n", nil); err == nil {
		t.Error("expected error for unsupported condition")
	}
}
