// Package dynamodb is a Store backed by a single DynamoDB table. Records are
// written with UpdateItem and every read-modify-write is guarded by a
// conditional check on a version attribute.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/pkg/models"
)

const (
	sortKey           = "METADATA"
	defaultMaxRetries = 10
)

// ErrConflict is returned when an OTP kept changing underneath a
// conditional update for more than MaxRetries attempts.
var ErrConflict = errors.New("too many concurrent modifications to the OTP")

// Conf contains the DynamoDB configuration fields.
type Conf struct {
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	TableName  string `json:"table_name"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	MaxRetries int    `json:"max_retries"`
}

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDB implements a DynamoDB Store.
type DynamoDB struct {
	client API
	conf   Conf
}

type item struct {
	PK          string    `dynamodbav:"PK"`
	SK          string    `dynamodbav:"SK"`
	ID          string    `dynamodbav:"ID"`
	PhoneNumber string    `dynamodbav:"Phone"`
	Code        string    `dynamodbav:"OTP"`
	Verified    bool      `dynamodbav:"Verified"`
	Attempts    int       `dynamodbav:"Attempts"`
	MaxAttempts int       `dynamodbav:"MaxAttempts"`
	CreatedAt   time.Time `dynamodbav:"CreatedAt"`
	ExpiresAt   time.Time `dynamodbav:"ExpiresAt"`
	Version     int64     `dynamodbav:"Version"`
}

// New loads the AWS configuration and returns a DynamoDB store.
func New(ctx context.Context, c Conf) (*DynamoDB, error) {
	if c.TableName == "" {
		return nil, errors.New("invalid table_name")
	}

	opts := []func(*config.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	if c.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:           c.Endpoint,
					SigningRegion: c.Region,
				}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(dynamodb.NewFromConfig(awsCfg), c), nil
}

// NewWithClient returns a DynamoDB store over an existing client.
func NewWithClient(client API, c Conf) *DynamoDB {
	if c.MaxRetries < 1 {
		c.MaxRetries = defaultMaxRetries
	}
	return &DynamoDB{client: client, conf: c}
}

// Get retrieves the OTP saved against a phone number.
func (d *DynamoDB) Get(ctx context.Context, phone string) (models.OTP, error) {
	it, err := d.get(ctx, phone)
	if err != nil {
		return models.OTP{PhoneNumber: phone}, err
	}
	return it.toOTP(), nil
}

// Upsert writes every attribute of the OTP, keeping the ID of an
// existing item, and bumps the item's version.
func (d *DynamoDB) Upsert(ctx context.Context, otp models.OTP) (models.OTP, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.conf.TableName),
		Key:       d.key(otp.PhoneNumber),
		UpdateExpression: aws.String("SET #id = if_not_exists(#id, :id), #phone = :phone, #otp = :otp, " +
			"#verified = :verified, #attempts = :attempts, #max = :max, #created = :created, " +
			"#expires = :expires, #version = if_not_exists(#version, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{
			"#id":       "ID",
			"#phone":    "Phone",
			"#otp":      "OTP",
			"#verified": "Verified",
			"#attempts": "Attempts",
			"#max":      "MaxAttempts",
			"#created":  "CreatedAt",
			"#expires":  "ExpiresAt",
			"#version":  "Version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":       &types.AttributeValueMemberS{Value: uuid.NewString()},
			":phone":    &types.AttributeValueMemberS{Value: otp.PhoneNumber},
			":otp":      &types.AttributeValueMemberS{Value: otp.Code},
			":verified": &types.AttributeValueMemberBOOL{Value: otp.Verified},
			":attempts": num(int64(otp.Attempts)),
			":max":      num(int64(otp.MaxAttempts)),
			":created":  &types.AttributeValueMemberS{Value: otp.CreatedAt.Format(time.RFC3339Nano)},
			":expires":  &types.AttributeValueMemberS{Value: otp.ExpiresAt.Format(time.RFC3339Nano)},
			":zero":     num(0),
			":one":      num(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return otp, fmt.Errorf("failed to store OTP: %w", err)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return otp, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}
	return it.toOTP(), nil
}

// Update reads the item, applies fn and writes the mutable attributes
// back on the condition that the version hasn't moved. A failed
// condition re-runs the cycle.
func (d *DynamoDB) Update(ctx context.Context, phone string, fn store.UpdateFunc) (models.OTP, error) {
	out := models.OTP{PhoneNumber: phone}

	for i := 0; i < d.conf.MaxRetries; i++ {
		it, err := d.get(ctx, phone)
		if err != nil {
			return out, err
		}

		out = it.toOTP()
		changed, err := fn(&out)
		if err != nil || !changed {
			return out, err
		}

		_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.conf.TableName),
			Key:                 d.key(phone),
			UpdateExpression:    aws.String("SET #verified = :verified, #attempts = :attempts, #version = #version + :one"),
			ConditionExpression: aws.String("#version = :version"),
			ExpressionAttributeNames: map[string]string{
				"#verified": "Verified",
				"#attempts": "Attempts",
				"#version":  "Version",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":verified": &types.AttributeValueMemberBOOL{Value: out.Verified},
				":attempts": num(int64(out.Attempts)),
				":version":  num(it.Version),
				":one":      num(1),
			},
		})
		if err == nil {
			return out, nil
		}

		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return out, fmt.Errorf("failed to update OTP: %w", err)
		}
	}

	return out, ErrConflict
}

// Ping checks if the table is reachable.
func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.conf.TableName),
	})
	return err
}

// Close is a no-op. The AWS client holds no long-lived connections.
func (d *DynamoDB) Close() error {
	return nil
}

func (d *DynamoDB) get(ctx context.Context, phone string) (item, error) {
	var it item
	res, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.conf.TableName),
		Key:            d.key(phone),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return it, fmt.Errorf("failed to get OTP: %w", err)
	}
	if res.Item == nil {
		return it, store.ErrNotExist
	}

	if err := attributevalue.UnmarshalMap(res.Item, &it); err != nil {
		return it, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}
	return it, nil
}

func (d *DynamoDB) key(phone string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "OTP#" + phone},
		"SK": &types.AttributeValueMemberS{Value: sortKey},
	}
}

func (it item) toOTP() models.OTP {
	return models.OTP{
		ID:          it.ID,
		PhoneNumber: it.PhoneNumber,
		Code:        it.Code,
		Verified:    it.Verified,
		Attempts:    it.Attempts,
		MaxAttempts: it.MaxAttempts,
		CreatedAt:   it.CreatedAt,
		ExpiresAt:   it.ExpiresAt,
	}
}

func num(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
