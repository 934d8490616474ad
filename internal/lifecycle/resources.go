package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
)

type functionClient interface {
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

type tableAdminClient interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// FunctionResource deploys the media handler function under test. An
// existing function is reused with refreshed code rather than recreated.
type FunctionResource struct {
	Client       functionClient
	FunctionName string
	Handler      string
	RoleARN      string
	ZipBytes     []byte
	Env          map[string]string

	// WaitInterval paces the readiness poll; injectable for tests.
	WaitInterval time.Duration
	WaitAttempts int
	Sleep        func(ctx context.Context, d time.Duration) error
}

func (r *FunctionResource) Name() string { return "function/" + r.FunctionName }

func (r *FunctionResource) Provision(ctx context.Context) error {
	if r.WaitInterval <= 0 {
		r.WaitInterval = 3 * time.Second
	}
	if r.WaitAttempts <= 0 {
		r.WaitAttempts = 30
	}
	if r.Sleep == nil {
		r.Sleep = sleepContext
	}

	_, err := r.Client.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(r.FunctionName),
		Runtime:      lambdatypes.RuntimePython311,
		Role:         aws.String(r.RoleARN),
		Handler:      aws.String(r.Handler),
		Code:         &lambdatypes.FunctionCode{ZipFile: r.ZipBytes},
		Environment:  &lambdatypes.Environment{Variables: r.Env},
		Tags:         map[string]string{"regression-test": "true"},
	})
	if err != nil {
		if !isErrorCode(err, "ResourceConflictException") {
			return err
		}
		if _, err := r.Client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(r.FunctionName),
			ZipFile:      r.ZipBytes,
		}); err != nil {
			return err
		}
	}
	return r.waitActive(ctx)
}

func (r *FunctionResource) waitActive(ctx context.Context) error {
	for attempt := 0; attempt < r.WaitAttempts; attempt++ {
		out, err := r.Client.GetFunction(ctx, &lambda.GetFunctionInput{
			FunctionName: aws.String(r.FunctionName),
		})
		if err != nil {
			return err
		}
		if out.Configuration != nil && out.Configuration.State == lambdatypes.StateActive {
			return nil
		}
		if err := r.Sleep(ctx, r.WaitInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("function %s never became active", r.FunctionName)
}

func (r *FunctionResource) Teardown(ctx context.Context) error {
	_, err := r.Client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(r.FunctionName),
	})
	if err != nil && !isErrorCode(err, "ResourceNotFoundException") {
		return err
	}
	return nil
}

// TableResource creates the conversation-state table keyed by
// conversation_id. An existing table is reused.
type TableResource struct {
	Client    tableAdminClient
	TableName string

	WaitInterval time.Duration
	WaitAttempts int
	Sleep        func(ctx context.Context, d time.Duration) error
}

func (r *TableResource) Name() string { return "table/" + r.TableName }

func (r *TableResource) Provision(ctx context.Context) error {
	if r.WaitInterval <= 0 {
		r.WaitInterval = 2 * time.Second
	}
	if r.WaitAttempts <= 0 {
		r.WaitAttempts = 20
	}
	if r.Sleep == nil {
		r.Sleep = sleepContext
	}

	_, err := r.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.TableName),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("conversation_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("conversation_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
		Tags:        []ddbtypes.Tag{{Key: aws.String("regression-test"), Value: aws.String("true")}},
	})
	if err != nil && !isErrorCode(err, "ResourceInUseException") {
		return err
	}
	return r.waitActive(ctx)
}

func (r *TableResource) waitActive(ctx context.Context) error {
	for attempt := 0; attempt < r.WaitAttempts; attempt++ {
		out, err := r.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(r.TableName),
		})
		if err != nil {
			return err
		}
		if out.Table != nil && out.Table.TableStatus == ddbtypes.TableStatusActive {
			return nil
		}
		if err := r.Sleep(ctx, r.WaitInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("table %s never became active", r.TableName)
}

func (r *TableResource) Teardown(ctx context.Context) error {
	_, err := r.Client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(r.TableName),
	})
	if err != nil && !isErrorCode(err, "ResourceNotFoundException") {
		return err
	}
	return nil
}

func isErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
