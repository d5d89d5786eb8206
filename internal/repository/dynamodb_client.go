package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"debate-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// Fixed-width UTC layout so the lexicographic SK order matches
	// chronological order. RFC3339Nano trims trailing zeros and would not.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// LogStore defines the append-only message log operations consumed by the
// conversation coordinator.
type LogStore interface {
	AppendMessage(ctx context.Context, conversationID, role, text string) (domain.Message, error)
	GetLastN(ctx context.Context, conversationID string, n int) ([]domain.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Client wraps a DynamoDB table holding the durable conversation log.
// Records are never updated or deleted; the table is the single source of
// truth and the cache window can be rebuilt from it at any time.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// insertionSeq breaks ties between messages written within the same
// nanosecond timestamp.
var insertionSeq atomic.Uint64

// msgSK returns the sort key for a message: timestamp plus insertion id.
func msgSK(ts time.Time) string {
	return fmt.Sprintf("%s%s#%012d", skPrefixMsg, ts.UTC().Format(skTimeLayout), insertionSeq.Add(1))
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// AppendMessage persists one message record and returns it with the assigned
// sequence marker. Existing records are never touched; a key collision is an
// error, not an overwrite.
func (c *Client) AppendMessage(ctx context.Context, conversationID, role, text string) (domain.Message, error) {
	msg := NewMessage(conversationID, role, text)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// GetLastN queries the most recent n MSG# items for a conversation and
// returns them oldest-first.
func (c *Client) GetLastN(ctx context.Context, conversationID string, n int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT keeps the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(n)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetLastN query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetLastN unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the total number of persisted messages for a
// conversation.
func (c *Client) CountMessages(ctx context.Context, conversationID string) (int, error) {
	total := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("repository: CountMessages query: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return total, nil
}

// NewMessage constructs a Message with PK/SK/TTL set from conversationID and
// the current time.
func NewMessage(conversationID, role, text string) domain.Message {
	now := time.Now().UTC()
	return domain.Message{
		PK:             convPK(conversationID),
		SK:             msgSK(now),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		TTL:            ttlValue(),
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, _ := strAttr(item, "conversationId") // allow empty

	return domain.Message{
		PK:             pk,
		SK:             sk,
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: msg.PK},
		"SK":             &types.AttributeValueMemberS{Value: msg.SK},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: msg.Role},
		"text":           &types.AttributeValueMemberS{Value: msg.Text},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", msg.TTL)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
