package persistence

import (
	"context"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rowseal/rowseal"
)

type MockDynamoDBClient struct {
	mock.Mock
}

func (m *MockDynamoDBClient) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	ret := m.Called(ctx, in)

	var out *dynamodb.GetItemOutput
	if v := ret.Get(0); v != nil {
		out = v.(*dynamodb.GetItemOutput)
	}

	return out, ret.Error(1)
}

func (m *MockDynamoDBClient) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	ret := m.Called(ctx, in)

	var out *dynamodb.PutItemOutput
	if v := ret.Get(0); v != nil {
		out = v.(*dynamodb.PutItemOutput)
	}

	return out, ret.Error(1)
}

func (m *MockDynamoDBClient) QueryWithContext(ctx aws.Context, in *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error) {
	ret := m.Called(ctx, in)

	var out *dynamodb.QueryOutput
	if v := ret.Get(0); v != nil {
		out = v.(*dynamodb.QueryOutput)
	}

	return out, ret.Error(1)
}

func newDynamoDBMetastoreForTest(client DynamoDBClientAPI) *DynamoDBMetastore {
	return &DynamoDBMetastore{
		svc:       client,
		tableName: defaultTableName,
	}
}

func keyRecordAttribute(created int64) *dynamodb.AttributeValue {
	createdN := aws.String(strconv.FormatInt(created, 10))

	return &dynamodb.AttributeValue{
		M: map[string]*dynamodb.AttributeValue{
			"Created": {N: createdN},
			"Key":     {S: aws.String(base64.StdEncoding.EncodeToString([]byte("wrapped")))},
			"ParentKeyMeta": {
				M: map[string]*dynamodb.AttributeValue{
					"KeyId":   {S: aws.String("_SK_s_p")},
					"Created": {N: createdN},
				},
			},
		},
	}
}

func TestDynamoDBMetastore_Load(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("GetItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return *in.ConsistentRead && *in.TableName == defaultTableName
	})).Return(&dynamodb.GetItemOutput{
		Item: map[string]*dynamodb.AttributeValue{
			keyRecordName: keyRecordAttribute(123),
		},
	}, nil).Once()

	d := newDynamoDBMetastoreForTest(client)

	ekr, err := d.Load(context.Background(), "_IK_u1_s_p", 123)
	require.NoError(t, err)
	require.NotNil(t, ekr)

	assert.Equal(t, int64(123), ekr.Created)
	assert.Equal(t, []byte("wrapped"), ekr.EncryptedKey)
	require.NotNil(t, ekr.ParentKeyMeta)
	assert.Equal(t, "_SK_s_p", ekr.ParentKeyMeta.ID)

	client.AssertExpectations(t)
}

func TestDynamoDBMetastore_LoadMissing(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("GetItemWithContext", mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil).Once()

	d := newDynamoDBMetastoreForTest(client)

	ekr, err := d.Load(context.Background(), "_IK_u1_s_p", 123)
	require.NoError(t, err)
	assert.Nil(t, ekr)
}

func TestDynamoDBMetastore_LoadLatest(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("QueryWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.ConsistentRead && !*in.ScanIndexForward && *in.Limit == 1
	})).Return(&dynamodb.QueryOutput{
		Items: []map[string]*dynamodb.AttributeValue{
			{keyRecordName: keyRecordAttribute(123)},
		},
	}, nil).Once()

	d := newDynamoDBMetastoreForTest(client)

	ekr, err := d.LoadLatest(context.Background(), "_IK_u1_s_p")
	require.NoError(t, err)
	require.NotNil(t, ekr)
	assert.Equal(t, int64(123), ekr.Created)

	client.AssertExpectations(t)
}

func TestDynamoDBMetastore_StoreEncodesKey(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("PutItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		if in.ConditionExpression == nil || *in.ConditionExpression != "attribute_not_exists(Id)" {
			return false
		}

		record := in.Item[keyRecordName].M

		return *record["Key"].S == base64.StdEncoding.EncodeToString([]byte("wrapped"))
	})).Return(&dynamodb.PutItemOutput{}, nil).Once()

	d := newDynamoDBMetastoreForTest(client)

	ok, err := d.Store(context.Background(), "_IK_u1_s_p", 123, &rowseal.EnvelopeKeyRecord{
		Created:      123,
		EncryptedKey: []byte("wrapped"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	client.AssertExpectations(t)
}

func TestDynamoDBMetastore_StoreDuplicate(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("PutItemWithContext", mock.Anything, mock.Anything).
		Return(nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "exists", nil)).Once()

	d := newDynamoDBMetastoreForTest(client)

	ok, err := d.Store(context.Background(), "_IK_u1_s_p", 123, &rowseal.EnvelopeKeyRecord{Created: 123})
	require.NoError(t, err, "a duplicate key is a clean miss, not an error")
	assert.False(t, ok)
}

func TestDynamoDBMetastore_StoreErrorSurfaces(t *testing.T) {
	client := new(MockDynamoDBClient)

	client.On("PutItemWithContext", mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled")).Once()

	d := newDynamoDBMetastoreForTest(client)

	_, err := d.Store(context.Background(), "_IK_u1_s_p", 123, &rowseal.EnvelopeKeyRecord{Created: 123})
	assert.Error(t, err)
}

func TestDynamoDBMetastore_Accessors(t *testing.T) {
	d := &DynamoDBMetastore{tableName: "CustomTable", regionSuffix: "us-west-2"}

	assert.Equal(t, "CustomTable", d.GetTableName())
	assert.Equal(t, "us-west-2", d.GetRegionSuffix())
}
