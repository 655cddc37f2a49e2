package persistence

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKeyName = "Id"
	sortKeyName      = "Created"
	keyRecordName    = "KeyRecord"
)

var (
	// Verify DynamoDBMetastore implements the Metastore interface.
	_ rowseal.Metastore = (*DynamoDBMetastore)(nil)

	loadDynamoDBTimer       = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.dynamodb.load", nil)
	loadLatestDynamoDBTimer = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	storeDynamoDBTimer      = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.dynamodb.store", nil)
)

// DynamoDBClientAPI is the subset of the DynamoDB client used by the
// metastore.
type DynamoDBClientAPI interface {
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	QueryWithContext(aws.Context, *dynamodb.QueryInput, ...request.Option) (*dynamodb.QueryOutput, error)
}

// DynamoDBMetastore persists envelope key records as items with a
// composite primary key (Id, Created) and a KeyRecord map attribute. All
// reads use strong consistency.
type DynamoDBMetastore struct {
	svc          DynamoDBClientAPI
	regionSuffix string
	tableName    string
}

// GetRegionSuffix returns the configured region suffix, or empty. The
// session factory consults it to produce suffixed key identifiers.
func (d *DynamoDBMetastore) GetRegionSuffix() string {
	return d.regionSuffix
}

// GetTableName returns the configured table name.
func (d *DynamoDBMetastore) GetTableName() string {
	return d.tableName
}

// DynamoDBMetastoreOption configures a DynamoDBMetastore.
type DynamoDBMetastoreOption func(*DynamoDBMetastore, client.ConfigProvider)

// WithDynamoDBRegionSuffix enables regional key id suffixing for all
// writes. Enable this with global tables so writers in different regions
// never collide on key ids under last-writer-wins replication.
func WithDynamoDBRegionSuffix(enabled bool) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, p client.ConfigProvider) {
		if enabled {
			config := p.ClientConfig(dynamodb.EndpointsID)
			d.regionSuffix = *config.Config.Region
		}
	}
}

// WithTableName overrides the default table name.
func WithTableName(table string) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, _ client.ConfigProvider) {
		if table != "" {
			d.tableName = table
		}
	}
}

// WithClient overrides the DynamoDB client, e.g. for testing.
func WithClient(c DynamoDBClientAPI) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, _ client.ConfigProvider) {
		d.svc = c
	}
}

// NewDynamoDBMetastore creates a DynamoDBMetastore from the provided AWS
// session.
func NewDynamoDBMetastore(sess client.ConfigProvider, opts ...DynamoDBMetastoreOption) *DynamoDBMetastore {
	d := &DynamoDBMetastore{
		svc:       dynamodb.New(sess),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(d, sess)
	}

	return d
}

func parseResult(av *dynamodb.AttributeValue) (*rowseal.EnvelopeKeyRecord, error) {
	var ekr rowseal.EnvelopeKeyRecord
	if err := dynamodbattribute.Unmarshal(av, &ekr); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal key record")
	}

	return &ekr, nil
}

// Load retrieves the record matching id and created, or nil.
func (d *DynamoDBMetastore) Load(ctx context.Context, id string, created int64) (*rowseal.EnvelopeKeyRecord, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordName))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb expression error")
	}

	res, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]*dynamodb.AttributeValue{
			partitionKeyName: {S: &id},
			sortKeyName:      {N: aws.String(strconv.FormatInt(created, 10))},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true), // strong consistency, always
	})
	if err != nil {
		return nil, errors.Wrap(err, "metastore error")
	}

	if res.Item == nil {
		return nil, nil
	}

	return parseResult(res.Item[keyRecordName])
}

// LoadLatest retrieves the newest record for id, or nil. The query walks
// the sort key in reverse with a limit of one.
func (d *DynamoDBMetastore) LoadLatest(ctx context.Context, id string) (*rowseal.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoDBTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKeyName).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordName))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, errors.Wrap(err, "dynamodb expression error")
	}

	res, err := d.svc.QueryWithContext(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true), // strong consistency, always
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int64(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return parseResult(res.Items[0][keyRecordName])
}

// dynamoDBEnvelope is the item shape for a persisted record; the wrapped
// key is stored base64 encoded.
type dynamoDBEnvelope struct {
	Revoked       bool             `json:"Revoked,omitempty"`
	Created       int64            `json:"Created"`
	EncryptedKey  string           `json:"Key"`
	ParentKeyMeta *rowseal.KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// Store inserts the record unless one with the same identity exists, in
// which case it returns false. Uniqueness is enforced by a conditional
// put: attribute_not_exists on the partition key covers the composite
// primary key.
func (d *DynamoDBMetastore) Store(ctx context.Context, id string, created int64, envelope *rowseal.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoDBTimer.UpdateSince(time.Now())

	en := &dynamoDBEnvelope{
		Revoked:       envelope.Revoked,
		Created:       envelope.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(envelope.EncryptedKey),
		ParentKeyMeta: envelope.ParentKeyMeta,
	}

	av, err := dynamodbattribute.MarshalMap(en)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal key record")
	}

	_, err = d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item: map[string]*dynamodb.AttributeValue{
			partitionKeyName: {S: &id},
			sortKeyName:      {N: aws.String(strconv.FormatInt(created, 10))},
			keyRecordName:    {M: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKeyName + ")"),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}

		return false, errors.Wrapf(err, "error storing key record %s-%d", id, created)
	}

	return true, nil
}
