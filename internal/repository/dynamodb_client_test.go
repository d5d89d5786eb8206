package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	putErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	queryCalls   int
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := &dynamodb.QueryOutput{}
	if f.queryCalls < len(f.queryOuts) {
		out = f.queryOuts[f.queryCalls]
	}
	f.queryCalls++
	return out, nil
}

func makeItem(pk, sk, role, text string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":   &types.AttributeValueMemberS{Value: pk},
		"SK":   &types.AttributeValueMemberS{Value: sk},
		"role": &types.AttributeValueMemberS{Value: role},
		"text": &types.AttributeValueMemberS{Value: text},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestAppendMessage_WritesConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	msg, err := c.AppendMessage(context.Background(), "abc", "user", "hello there")
	require.NoError(t, err)
	require.Equal(t, "CONV#abc", msg.PK)
	require.Contains(t, msg.SK, skPrefixMsg)
	require.Equal(t, "user", msg.Role)
	require.Equal(t, "hello there", msg.Text)
	require.Greater(t, msg.TTL, time.Now().Unix())

	require.NotNil(t, db.lastPutInput)
	require.Equal(t, "test-table", *db.lastPutInput.TableName)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)

	text, ok := db.lastPutInput.Item["text"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	require.Equal(t, "hello there", text.Value)
	role, ok := db.lastPutInput.Item["role"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	require.Equal(t, "user", role.Value)
}

func TestAppendMessage_PersistenceErrorSurfaces(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throughput exceeded")}
	c := mustNewClient(t, db)

	_, err := c.AppendMessage(context.Background(), "abc", "user", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "AppendMessage")
}

func TestMsgSK_TotalOrder(t *testing.T) {
	now := time.Now()
	sks := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		// Same timestamp on purpose: the insertion counter must break ties.
		sks = append(sks, msgSK(now))
	}

	require.True(t, sort.StringsAreSorted(sks), "sort keys must be lexicographically increasing")
	seen := map[string]bool{}
	for _, sk := range sks {
		require.False(t, seen[sk], "sort keys must be unique")
		seen[sk] = true
	}
}

func TestMsgSK_FixedWidthTimestamp(t *testing.T) {
	// A whole-second timestamp must not shrink the SK: trailing zeros are
	// kept so lexicographic order matches chronological order.
	whole := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	frac := time.Date(2026, 3, 1, 12, 0, 5, 123456789, time.UTC)
	require.Equal(t, len(msgSK(whole)), len(msgSK(frac)))
	require.Contains(t, msgSK(whole), "12:00:05.000000000Z")
}

func TestGetLastN_ReversesToChronological(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeItem("CONV#abc", "MSG#3", "user", "third"),
			makeItem("CONV#abc", "MSG#2", "bot", "second"),
			makeItem("CONV#abc", "MSG#1", "user", "first"),
		},
	}}}
	c := mustNewClient(t, db)

	msgs, err := c.GetLastN(context.Background(), "abc", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text)
	require.Equal(t, "second", msgs[1].Text)
	require.Equal(t, "third", msgs[2].Text)

	require.NotNil(t, db.lastQueryIn)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(3), *db.lastQueryIn.Limit)
}

func TestGetLastN_MissingAttributeFails(t *testing.T) {
	item := makeItem("CONV#abc", "MSG#1", "user", "hello")
	delete(item, "text")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewClient(t, db)

	_, err := c.GetLastN(context.Background(), "abc", 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), `"text"`)
}

func TestCountMessages_FollowsPagination(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Count: 25,
			LastEvaluatedKey: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
			},
		},
		{Count: 7},
	}}
	c := mustNewClient(t, db)

	total, err := c.CountMessages(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 32, total)
	require.Equal(t, 2, db.queryCalls)
	require.Equal(t, types.SelectCount, db.lastQueryIn.Select)
}

func TestCountMessages_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("unreachable")}
	c := mustNewClient(t, db)

	_, err := c.CountMessages(context.Background(), "abc")
	require.Error(t, err)
}
