// Package dynamodb implements a DynamoDB backed OTP store. Items are keyed
// by identifier, so PutItem replaces any existing OTP. Consumption is a
// conditional DeleteItem that returns the deleted item. Expired items are
// removed by DynamoDB's native TTL on the expires_at attribute.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/civicreport/otpd/internal/store"
	"github.com/civicreport/otpd/pkg/models"
)

const idIndex = "id-index"

// API is the subset of the DynamoDB client used by the store.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Conf contains DynamoDB configuration fields.
type Conf struct {
	Table     string `json:"table"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`

	// Overrides the endpoint, eg: for LocalStack.
	EndpointURL string `json:"endpoint_url"`
}

// item is the DynamoDB representation of an OTP. expires_at is in
// Unix seconds as required by DynamoDB TTL. The millisecond fields carry
// the precise timestamps.
type item struct {
	Identifier  string `dynamodbav:"identifier"`
	ID          string `dynamodbav:"id"`
	Channel     string `dynamodbav:"channel"`
	Code        string `dynamodbav:"code"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
	ExpiresAtMS int64  `dynamodbav:"expires_at_ms"`
	CreatedAtMS int64  `dynamodbav:"created_at_ms"`
}

// DynamoDB implements a DynamoDB Store.
type DynamoDB struct {
	client API
	table  string
}

// New creates a DynamoDB client from c and returns a Store.
func New(ctx context.Context, c Conf) (*DynamoDB, error) {
	if c.Table == "" {
		return nil, errors.New("invalid table")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if c.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(c.EndpointURL)
		})
	}

	return NewWithClient(dynamodb.NewFromConfig(awsCfg, clientOpts...), c.Table), nil
}

// NewWithClient returns a Store over an existing DynamoDB client.
func NewWithClient(client API, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table}
}

// Ping checks if the table is reachable.
func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	return err
}

// Put stores an OTP, replacing any existing item for the identifier.
func (d *DynamoDB) Put(ctx context.Context, otp models.OTP) error {
	av, err := attributevalue.MarshalMap(toItem(otp))
	if err != nil {
		return fmt.Errorf("marshal OTP: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	return err
}

// Find returns the OTP stored against identifier if the code matches.
func (d *DynamoDB) Find(ctx context.Context, identifier, code string) (models.OTP, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            identifierKey(identifier),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.OTP{}, err
	}
	if out.Item == nil {
		return models.OTP{}, store.ErrNotExist
	}

	o, err := fromAttrs(out.Item)
	if err != nil {
		return o, err
	}
	if o.Code != code {
		return models.OTP{}, store.ErrNotExist
	}
	return o, nil
}

// Consume deletes the OTP stored against identifier on the condition that
// its code matches, and returns the deleted item.
func (d *DynamoDB) Consume(ctx context.Context, identifier, code string) (models.OTP, error) {
	out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 identifierKey(identifier),
		ConditionExpression: aws.String("code = :code"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":code": &types.AttributeValueMemberS{Value: code},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.OTP{}, store.ErrNotExist
		}
		return models.OTP{}, err
	}
	if len(out.Attributes) == 0 {
		return models.OTP{}, store.ErrNotExist
	}

	return fromAttrs(out.Attributes)
}

// DeleteByID looks up the OTP by its record ID on the id GSI and deletes it
// if it's still the current OTP for its identifier.
func (d *DynamoDB) DeleteByID(ctx context.Context, id string) error {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(idIndex),
		KeyConditionExpression: aws.String("id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return err
	}

	for _, av := range out.Items {
		var it item
		if err := attributevalue.UnmarshalMap(av, &it); err != nil {
			return err
		}

		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(d.table),
			Key:                 identifierKey(it.Identifier),
			ConditionExpression: aws.String("id = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: id},
			},
		})
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				continue
			}
			return err
		}
	}
	return nil
}

func identifierKey(identifier string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"identifier": &types.AttributeValueMemberS{Value: identifier},
	}
}

func toItem(o models.OTP) item {
	return item{
		Identifier:  o.Identifier,
		ID:          o.ID,
		Channel:     o.Channel,
		Code:        o.Code,
		ExpiresAt:   o.ExpiresAt.Unix(),
		ExpiresAtMS: o.ExpiresAt.UnixMilli(),
		CreatedAtMS: o.CreatedAt.UnixMilli(),
	}
}

func fromAttrs(av map[string]types.AttributeValue) (models.OTP, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return models.OTP{}, fmt.Errorf("unmarshal OTP: %w", err)
	}

	exp := time.UnixMilli(it.ExpiresAtMS)
	if it.ExpiresAtMS == 0 {
		exp = time.Unix(it.ExpiresAt, 0)
	}

	return models.OTP{
		ID:         it.ID,
		Identifier: it.Identifier,
		Channel:    it.Channel,
		Code:       it.Code,
		ExpiresAt:  exp,
		CreatedAt:  time.UnixMilli(it.CreatedAtMS),
	}, nil
}
