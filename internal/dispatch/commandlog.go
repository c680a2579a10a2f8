package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const commandTTL = 7 * 24 * time.Hour

// Status is the lifecycle of a logged command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// CommandRecord is the persisted state of one dispatched command.
type CommandRecord struct {
	CommandID    string `dynamodbav:"commandId" json:"commandId"`
	ContactID    string `dynamodbav:"contactId" json:"contactId"`
	SessionID    string `dynamodbav:"sessionId,omitempty" json:"sessionId,omitempty"`
	Kind         Kind   `dynamodbav:"kind" json:"kind"`
	Status       Status `dynamodbav:"status" json:"status"`
	Attempts     int    `dynamodbav:"attempts" json:"attempts"`
	ProviderID   string `dynamodbav:"providerId,omitempty" json:"providerId,omitempty"`
	ErrorMessage string `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt    string `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string `dynamodbav:"updatedAt" json:"updatedAt"`
	ExpiresAt    int64  `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// CommandLog records every command the dispatcher attempts.
type CommandLog interface {
	PutPending(ctx context.Context, rec *CommandRecord) error
	MarkSucceeded(ctx context.Context, commandID, providerID string, attempts int) error
	MarkFailed(ctx context.Context, commandID, errMsg string, attempts int) error
	Get(ctx context.Context, commandID string) (*CommandRecord, error)
}

// MemoryCommandLog keeps records in process.
type MemoryCommandLog struct {
	mu      sync.RWMutex
	records map[string]CommandRecord
}

var _ CommandLog = (*MemoryCommandLog)(nil)

func NewMemoryCommandLog() *MemoryCommandLog {
	return &MemoryCommandLog{records: make(map[string]CommandRecord)}
}

func (m *MemoryCommandLog) PutPending(_ context.Context, rec *CommandRecord) error {
	if rec == nil {
		return errors.New("dispatch: command record cannot be nil")
	}
	stampPending(rec, time.Now().UTC())
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.CommandID]; exists {
		return fmt.Errorf("dispatch: command %s already logged", rec.CommandID)
	}
	m.records[rec.CommandID] = *rec
	return nil
}

func (m *MemoryCommandLog) MarkSucceeded(_ context.Context, commandID, providerID string, attempts int) error {
	return m.update(commandID, func(rec *CommandRecord) {
		rec.Status = StatusSucceeded
		rec.ProviderID = providerID
		rec.Attempts = attempts
		rec.ErrorMessage = ""
	})
}

func (m *MemoryCommandLog) MarkFailed(_ context.Context, commandID, errMsg string, attempts int) error {
	return m.update(commandID, func(rec *CommandRecord) {
		rec.Status = StatusFailed
		rec.Attempts = attempts
		rec.ErrorMessage = errMsg
	})
}

func (m *MemoryCommandLog) Get(_ context.Context, commandID string) (*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[commandID]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return &rec, nil
}

func (m *MemoryCommandLog) update(commandID string, fn func(*CommandRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[commandID]
	if !ok {
		return ErrCommandNotFound
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.records[commandID] = rec
	return nil
}

func stampPending(rec *CommandRecord, now time.Time) {
	rec.Status = StatusPending
	rec.CreatedAt = now.Format(time.RFC3339Nano)
	rec.UpdatedAt = rec.CreatedAt
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now.Add(commandTTL).Unix()
	}
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoCommandLog persists command records to a DynamoDB table keyed by
// commandId, with expiresAt as the TTL attribute.
type DynamoCommandLog struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ CommandLog = (*DynamoCommandLog)(nil)

func NewDynamoCommandLog(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoCommandLog {
	if client == nil {
		panic("dispatch: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("dispatch: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoCommandLog{client: client, tableName: tableName, logger: logger}
}

func (s *DynamoCommandLog) PutPending(ctx context.Context, rec *CommandRecord) error {
	if rec == nil {
		return errors.New("dispatch: command record cannot be nil")
	}
	stampPending(rec, time.Now().UTC())

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("dispatch: failed to marshal command: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(commandId)"),
	})
	if err != nil {
		return fmt.Errorf("dispatch: failed to persist command: %w", err)
	}
	return nil
}

func (s *DynamoCommandLog) MarkSucceeded(ctx context.Context, commandID, providerID string, attempts int) error {
	if commandID == "" {
		return errors.New("dispatch: commandID required")
	}
	return s.update(ctx, commandID,
		map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: string(StatusSucceeded)},
			":provider": &types.AttributeValueMemberS{Value: providerID},
			":attempts": &types.AttributeValueMemberN{Value: fmt.Sprint(attempts)},
			":error":    &types.AttributeValueMemberS{Value: ""},
			":updated":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		"SET #status = :status, providerId = :provider, attempts = :attempts, #error = :error, #updated = :updated",
	)
}

func (s *DynamoCommandLog) MarkFailed(ctx context.Context, commandID, errMsg string, attempts int) error {
	if commandID == "" {
		return errors.New("dispatch: commandID required")
	}
	return s.update(ctx, commandID,
		map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":attempts": &types.AttributeValueMemberN{Value: fmt.Sprint(attempts)},
			":error":    &types.AttributeValueMemberS{Value: errMsg},
			":updated":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		"SET #status = :status, attempts = :attempts, #error = :error, #updated = :updated",
	)
}

func (s *DynamoCommandLog) Get(ctx context.Context, commandID string) (*CommandRecord, error) {
	if commandID == "" {
		return nil, errors.New("dispatch: commandID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"commandId": &types.AttributeValueMemberS{Value: commandID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to fetch command: %w", err)
	}
	if out.Item == nil {
		return nil, ErrCommandNotFound
	}
	var rec CommandRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("dispatch: failed to decode command: %w", err)
	}
	return &rec, nil
}

// status, updatedAt and errorMessage go through attribute names because
// "status" is a DynamoDB reserved word.
func (s *DynamoCommandLog) update(ctx context.Context, commandID string, values map[string]types.AttributeValue, expression string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"commandId": &types.AttributeValueMemberS{Value: commandID},
		},
		UpdateExpression: aws.String(expression),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(commandId)"),
	})
	if err != nil {
		return fmt.Errorf("dispatch: failed to update command %s: %w", commandID, err)
	}
	return nil
}
