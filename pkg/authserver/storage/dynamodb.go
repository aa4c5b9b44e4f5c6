// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB key attribute names. The table's TTL attribute is "expiration".
const (
	dynamoAttrPK = "PK"
	dynamoAttrSK = "SK"
)

// DynamoDBConfig holds DynamoDB table configuration.
type DynamoDBConfig struct {
	// TableName is the table holding all broker records.
	TableName string

	// Region is the AWS region of the table. Empty uses the SDK default chain.
	Region string

	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStorage.
// It exists so tests can substitute a fake.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoRecord is the persisted item shape: PK = "{TYPE}#{id}", SK = "{TYPE}".
type dynamoRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Data       string `dynamodbav:"data"`
	CreatedAt  int64  `dynamodbav:"created_at"`
	Expiration int64  `dynamodbav:"expiration,omitempty"`
}

// DynamoDBStorage implements Store on a single DynamoDB table.
//
// DynamoDB deletes expired items lazily, possibly days after their expiration
// attribute has passed, so reads also compare the expiration against the
// current time and treat stale items as absent.
type DynamoDBStorage struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// NewDynamoDBStorage creates a DynamoDB client from the default AWS credential
// chain and verifies that the table exists.
func NewDynamoDBStorage(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBStorage, error) {
	if cfg.TableName == "" {
		return nil, errors.New("invalid dynamodb configuration: table name is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := NewDynamoDBStorageWithClient(client, cfg.TableName)
	if err := s.Health(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewDynamoDBStorageWithClient creates a DynamoDBStorage with a pre-configured client.
func NewDynamoDBStorageWithClient(client DynamoDBAPI, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func dynamoKey(entity EntityType, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoAttrPK: &types.AttributeValueMemberS{Value: compositeKey(entity, key)},
		dynamoAttrSK: &types.AttributeValueMemberS{Value: string(entity)},
	}
}

// Put writes the item unconditionally.
func (s *DynamoDBStorage) Put(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	record := dynamoRecord{
		PK:        compositeKey(entity, key),
		SK:        string(entity),
		Data:      string(value),
		CreatedAt: now.Unix(),
	}
	if exp := expiresAt(now, ttl); !exp.IsZero() {
		record.Expiration = exp.Unix()
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", entity, err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to store %s record: %w", entity, err)
	}
	return nil
}

// Update overwrites the item and resets its expiration.
func (s *DynamoDBStorage) Update(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	return s.Put(ctx, entity, key, value, ttl)
}

// Get reads the item with a strongly consistent read.
func (s *DynamoDBStorage) Get(ctx context.Context, entity EntityType, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoKey(entity, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s record: %w", entity, err)
	}
	return s.decode(entity, key, out.Item)
}

// Take deletes the item and returns its previous attributes in one call.
func (s *DynamoDBStorage) Take(ctx context.Context, entity EntityType, key string) ([]byte, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          dynamoKey(entity, key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take %s record: %w", entity, err)
	}
	return s.decode(entity, key, out.Attributes)
}

// Delete removes the item.
func (s *DynamoDBStorage) Delete(ctx context.Context, entity EntityType, key string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoKey(entity, key),
	}); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", entity, err)
	}
	return nil
}

// decode turns an item into its stored value, treating missing and expired items as not found.
func (s *DynamoDBStorage) decode(entity EntityType, key string, item map[string]types.AttributeValue) ([]byte, error) {
	if len(item) == 0 {
		return nil, notFound(entity, key)
	}

	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", entity, err)
	}
	if record.Expiration > 0 && s.now().Unix() >= record.Expiration {
		return nil, notFound(entity, key)
	}
	return []byte(record.Data), nil
}

// Health checks that the table is reachable.
func (s *DynamoDBStorage) Health(ctx context.Context) error {
	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}); err != nil {
		return fmt.Errorf("dynamodb table %s is not accessible: %w", s.tableName, err)
	}
	return nil
}

// Close is a no-op; the AWS SDK client holds no resources that need releasing.
func (*DynamoDBStorage) Close() error {
	return nil
}
