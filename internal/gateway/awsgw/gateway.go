// Package awsgw is the production backend gateway: outbound calls through
// the SIP media application, contact records through the contact-center
// search API, and chat turns through the bot runtime.
package awsgw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	"github.com/aws/smithy-go"

	"github.com/tiger/voiceflow-regression/internal/gateway"
)

type callClient interface {
	CreateSipMediaApplicationCall(ctx context.Context, params *chimesdkvoice.CreateSipMediaApplicationCallInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.CreateSipMediaApplicationCallOutput, error)
	UpdateSipMediaApplicationCall(ctx context.Context, params *chimesdkvoice.UpdateSipMediaApplicationCallInput, optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdateSipMediaApplicationCallOutput, error)
}

type contactClient interface {
	SearchContacts(ctx context.Context, params *connect.SearchContactsInput, optFns ...func(*connect.Options)) (*connect.SearchContactsOutput, error)
	GetContactAttributes(ctx context.Context, params *connect.GetContactAttributesInput, optFns ...func(*connect.Options)) (*connect.GetContactAttributesOutput, error)
	ListQueues(ctx context.Context, params *connect.ListQueuesInput, optFns ...func(*connect.Options)) (*connect.ListQueuesOutput, error)
}

type dialogClient interface {
	RecognizeText(ctx context.Context, params *lexruntimev2.RecognizeTextInput, optFns ...func(*lexruntimev2.Options)) (*lexruntimev2.RecognizeTextOutput, error)
}

type scriptTableClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config identifies the deployed backend resources the gateway talks to.
type Config struct {
	// ConnectRegion hosts the contact-center instance; MediaRegion hosts
	// the SIP media application and the conversation script table. They
	// differ in real deployments.
	ConnectRegion string
	MediaRegion   string

	ConnectInstanceID     string
	SipMediaApplicationID string
	SourceNumber          string
	ConversationTable     string
	Environment           string

	// BotID, BotAliasID, LocaleID are defaults; per-case targets override.
	BotID      string
	BotAliasID string
	LocaleID   string

	// ScriptTTL bounds how long seeded conversation scripts survive if
	// teardown never runs.
	ScriptTTL time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ConnectRegion) == "" {
		c.ConnectRegion = "eu-west-2"
	}
	if strings.TrimSpace(c.MediaRegion) == "" {
		c.MediaRegion = "us-east-1"
	}
	if strings.TrimSpace(c.LocaleID) == "" {
		c.LocaleID = "en_US"
	}
	if c.ScriptTTL <= 0 {
		c.ScriptTTL = time.Hour
	}
	return c
}

// Gateway implements gateway.Backend over the AWS SDK.
type Gateway struct {
	mu       sync.Mutex
	cfg      Config
	calls    callClient
	contacts contactClient
	dialogs  dialogClient
	scripts  scriptTableClient

	// queueNames caches queue id to display name, resolved once per run.
	queueNames map[string]string

	// Now stamps search windows and script TTLs; injectable for tests.
	Now func() time.Time
}

// New builds a gateway that lazily constructs its AWS clients on first use.
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg.withDefaults(), Now: time.Now}
}

// NewWithClients injects clients; tests use stubs.
func NewWithClients(cfg Config, calls callClient, contacts contactClient, dialogs dialogClient, scripts scriptTableClient) *Gateway {
	return &Gateway{
		cfg:      cfg.withDefaults(),
		calls:    calls,
		contacts: contacts,
		dialogs:  dialogs,
		scripts:  scripts,
		Now:      time.Now,
	}
}

func (g *Gateway) resolveClients(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls != nil && g.contacts != nil && g.dialogs != nil && g.scripts != nil {
		return nil
	}
	connectCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(g.cfg.ConnectRegion))
	if err != nil {
		return fmt.Errorf("load aws config for %s: %w", g.cfg.ConnectRegion, err)
	}
	mediaCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(g.cfg.MediaRegion))
	if err != nil {
		return fmt.Errorf("load aws config for %s: %w", g.cfg.MediaRegion, err)
	}
	if g.calls == nil {
		g.calls = chimesdkvoice.NewFromConfig(mediaCfg)
	}
	if g.scripts == nil {
		g.scripts = dynamodb.NewFromConfig(mediaCfg)
	}
	if g.contacts == nil {
		g.contacts = connect.NewFromConfig(connectCfg)
	}
	if g.dialogs == nil {
		g.dialogs = lexruntimev2.NewFromConfig(connectCfg)
	}
	return nil
}

// classify maps provider failures into the gateway error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		message := apiErr.ErrorMessage()
		if strings.Contains(message, "Concurrent call limits") {
			return gateway.NewBackendError(gateway.ClassConcurrencyLimit, code, message, err)
		}
		switch code {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "LimitExceededException":
			return gateway.NewBackendError(gateway.ClassThrottled, code, message, err)
		case "AccessDeniedException", "ValidationException", "BadRequestException", "ResourceNotFoundException", "ForbiddenException":
			return gateway.NewBackendError(gateway.ClassPermanent, code, message, err)
		default:
			return gateway.NewBackendError(gateway.ClassTransport, code, message, err)
		}
	}
	return gateway.NewBackendError(gateway.ClassTransport, "", err.Error(), err)
}
