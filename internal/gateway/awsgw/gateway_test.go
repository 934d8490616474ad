package awsgw

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
	chimetypes "github.com/aws/aws-sdk-go-v2/service/chimesdkvoice/types"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	connecttypes "github.com/aws/aws-sdk-go-v2/service/connect/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	lextypes "github.com/aws/aws-sdk-go-v2/service/lexruntimev2/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
)

func testConfig() Config {
	return Config{
		ConnectInstanceID:     "inst-1",
		SipMediaApplicationID: "sma-1",
		SourceNumber:          "+15550100999",
		ConversationTable:     "conversation-state",
		Environment:           "staging",
	}
}

func newTestGateway(stub *stubAWS) *Gateway {
	g := NewWithClients(testConfig(), stub, stub, stub, stub)
	g.Now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return g
}

func TestStartInteractionSeedsScriptAndPlacesCall(t *testing.T) {
	t.Parallel()

	stub := &stubAWS{transactionID: "txn-abc"}
	g := newTestGateway(stub)

	id, err := g.StartInteraction(context.Background(), gateway.StartRequest{
		Case:           "greeting-route",
		ConversationID: "conv-1",
		Target:         gateway.Target{Destination: "+15550100123"},
		Script: []suite.ScriptStep{
			{Type: suite.StepWait, DurationMS: 2000},
			{Type: suite.StepSpeak, Text: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("start: %+v", err)
	}
	if id != "txn-abc" {
		t.Fatalf("correlation id = %q", id)
	}

	if stub.putItem == nil {
		t.Fatal("script was not seeded")
	}
	item := stub.putItem.Item
	if got := item["conversation_id"].(*ddbtypes.AttributeValueMemberS).Value; got != "conv-1" {
		t.Fatalf("conversation_id = %q", got)
	}
	if got := item["status"].(*ddbtypes.AttributeValueMemberS).Value; got != "READY" {
		t.Fatalf("status = %q", got)
	}
	if got := item["ttl"].(*ddbtypes.AttributeValueMemberN).Value; got != "1700003600" {
		t.Fatalf("ttl = %q, want created_at+1h", got)
	}

	args := stub.createCall.ArgumentsMap
	if args["conversation_id"] != "conv-1" || args["case_id"] != "greeting-route" || args["env"] != "staging" {
		t.Fatalf("call arguments = %v", args)
	}
	if aws.ToString(stub.createCall.ToPhoneNumber) != "+15550100123" {
		t.Fatalf("to number = %q", aws.ToString(stub.createCall.ToPhoneNumber))
	}
}

func TestStartInteractionClassifiesConcurrencyLimit(t *testing.T) {
	t.Parallel()

	stub := &stubAWS{callErr: &smithy.GenericAPIError{
		Code: "BadRequestException", Message: "Concurrent call limits exceeded",
	}}
	g := newTestGateway(stub)

	_, err := g.StartInteraction(context.Background(), gateway.StartRequest{
		Case:           "quota",
		ConversationID: "conv-2",
		Target:         gateway.Target{Destination: "+15550100123"},
	})
	if !gateway.IsConcurrencyLimited(err) {
		t.Fatalf("err = %+v, want concurrency limit", err)
	}
}

func TestSearchOutcomeMapsContacts(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	stub := &stubAWS{
		contacts: []connecttypes.ContactSearchSummary{
			{
				Id:                  aws.String("contact-1"),
				InitialContactId:    aws.String("contact-1"),
				Channel:             connecttypes.ChannelVoice,
				InitiationTimestamp: aws.Time(base),
				QueueInfo:           &connecttypes.ContactSearchSummaryQueueInfo{Id: aws.String("q-1")},
			},
		},
		queues: map[string]string{"q-1": "BillingQueue"},
		attributes: map[string]map[string]string{
			"contact-1": {"conversation_id": "conv-1", "transaction_id": "txn-abc", "customer_tier": "gold"},
		},
	}
	g := newTestGateway(stub)

	records, err := g.SearchOutcome(context.Background(), gateway.OutcomeFilter{
		ConversationID: "conv-1",
		Since:          base.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("search: %+v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Queue != "BillingQueue" {
		t.Fatalf("queue = %q", rec.Queue)
	}
	if rec.CorrelationID != "txn-abc" {
		t.Fatalf("correlation id = %q", rec.CorrelationID)
	}
	if rec.Attributes["customer_tier"] != "gold" {
		t.Fatalf("attributes = %v", rec.Attributes)
	}
}

func TestSearchOutcomeDropsForeignConversations(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	stub := &stubAWS{
		contacts: []connecttypes.ContactSearchSummary{
			{Id: aws.String("mine"), InitiationTimestamp: aws.Time(base)},
			{Id: aws.String("theirs"), InitiationTimestamp: aws.Time(base)},
		},
		attributes: map[string]map[string]string{
			"mine":   {"conversation_id": "conv-1"},
			"theirs": {"conversation_id": "conv-other"},
		},
	}
	g := newTestGateway(stub)

	records, err := g.SearchOutcome(context.Background(), gateway.OutcomeFilter{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("search: %+v", err)
	}
	if len(records) != 1 || records[0].ID != "mine" {
		t.Fatalf("records = %+v", records)
	}
}

func TestSendTurnFlattensResponse(t *testing.T) {
	t.Parallel()

	stub := &stubAWS{dialog: &lexruntimev2.RecognizeTextOutput{
		Messages: []lextypes.Message{
			{Content: aws.String("What day works for you?")},
		},
		SessionState: &lextypes.SessionState{
			Intent: &lextypes.Intent{
				Name:  aws.String("BookAppointment"),
				State: lextypes.IntentStateInProgress,
				Slots: map[string]lextypes.Slot{
					"AppointmentType": {Value: &lextypes.Value{InterpretedValue: aws.String("cleaning")}},
				},
			},
			DialogAction: &lextypes.DialogAction{
				Type:         lextypes.DialogActionTypeElicitSlot,
				SlotToElicit: aws.String("AppointmentDate"),
			},
			SessionAttributes: map[string]string{"step": "2"},
			ActiveContexts:    []lextypes.ActiveContext{{Name: aws.String("booking_in_progress")}},
		},
	}}
	g := newTestGateway(stub)

	result, err := g.SendTurn(context.Background(), gateway.TurnRequest{
		SessionID: "s-1",
		Target:    gateway.Target{BotID: "AB12CD34", BotAliasID: "TSTALIASID"},
		Text:      "I need a cleaning",
	})
	if err != nil {
		t.Fatalf("send turn: %+v", err)
	}
	if result.Intent != "BookAppointment" || result.IntentState != "InProgress" {
		t.Fatalf("intent = %q/%q", result.Intent, result.IntentState)
	}
	if result.DialogState != "ElicitSlot" || result.ElicitedSlot != "AppointmentDate" {
		t.Fatalf("dialog = %q/%q", result.DialogState, result.ElicitedSlot)
	}
	if result.Slots["AppointmentType"] != "cleaning" {
		t.Fatalf("slots = %v", result.Slots)
	}
	if result.Message != "What day works for you?" {
		t.Fatalf("message = %q", result.Message)
	}
	if result.SessionAttributes["step"] != "2" {
		t.Fatalf("session attributes = %v", result.SessionAttributes)
	}
	if len(result.ActiveContexts) != 1 || result.ActiveContexts[0] != "booking_in_progress" {
		t.Fatalf("active contexts = %v", result.ActiveContexts)
	}
}

func TestSendTurnRequiresBotIdentity(t *testing.T) {
	t.Parallel()

	g := newTestGateway(&stubAWS{})
	_, err := g.SendTurn(context.Background(), gateway.TurnRequest{SessionID: "s-1", Text: "hi"})
	if !gateway.IsTargetUnresolved(err) {
		t.Fatalf("err = %+v, want unresolved target", err)
	}
}

func TestHangupToleratesEndedCalls(t *testing.T) {
	t.Parallel()

	stub := &stubAWS{updateErr: &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such call"}}
	g := newTestGateway(stub)

	if err := g.Hangup(context.Background(), "txn-gone"); err != nil {
		t.Fatalf("hangup of an ended call should not fail: %+v", err)
	}
}

func TestCleanupScriptDeletesSeededItem(t *testing.T) {
	t.Parallel()

	stub := &stubAWS{}
	g := newTestGateway(stub)

	if err := g.CleanupScript(context.Background(), "conv-1"); err != nil {
		t.Fatalf("cleanup: %+v", err)
	}
	key := stub.deleteItem.Key["conversation_id"].(*ddbtypes.AttributeValueMemberS).Value
	if key != "conv-1" {
		t.Fatalf("deleted key = %q", key)
	}
}

type stubAWS struct {
	transactionID string
	callErr       error
	updateErr     error

	contacts   []connecttypes.ContactSearchSummary
	queues     map[string]string
	attributes map[string]map[string]string

	dialog *lexruntimev2.RecognizeTextOutput

	createCall *chimesdkvoice.CreateSipMediaApplicationCallInput
	putItem    *dynamodb.PutItemInput
	deleteItem *dynamodb.DeleteItemInput
}

func (s *stubAWS) CreateSipMediaApplicationCall(_ context.Context, params *chimesdkvoice.CreateSipMediaApplicationCallInput, _ ...func(*chimesdkvoice.Options)) (*chimesdkvoice.CreateSipMediaApplicationCallOutput, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	s.createCall = params
	return &chimesdkvoice.CreateSipMediaApplicationCallOutput{
		SipMediaApplicationCall: &chimetypes.SipMediaApplicationCall{TransactionId: aws.String(s.transactionID)},
	}, nil
}

func (s *stubAWS) UpdateSipMediaApplicationCall(_ context.Context, _ *chimesdkvoice.UpdateSipMediaApplicationCallInput, _ ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdateSipMediaApplicationCallOutput, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &chimesdkvoice.UpdateSipMediaApplicationCallOutput{}, nil
}

func (s *stubAWS) SearchContacts(_ context.Context, _ *connect.SearchContactsInput, _ ...func(*connect.Options)) (*connect.SearchContactsOutput, error) {
	return &connect.SearchContactsOutput{Contacts: s.contacts}, nil
}

func (s *stubAWS) GetContactAttributes(_ context.Context, params *connect.GetContactAttributesInput, _ ...func(*connect.Options)) (*connect.GetContactAttributesOutput, error) {
	return &connect.GetContactAttributesOutput{Attributes: s.attributes[aws.ToString(params.InitialContactId)]}, nil
}

func (s *stubAWS) ListQueues(_ context.Context, _ *connect.ListQueuesInput, _ ...func(*connect.Options)) (*connect.ListQueuesOutput, error) {
	summaries := make([]connecttypes.QueueSummary, 0, len(s.queues))
	for id, name := range s.queues {
		summaries = append(summaries, connecttypes.QueueSummary{Id: aws.String(id), Name: aws.String(name)})
	}
	return &connect.ListQueuesOutput{QueueSummaryList: summaries}, nil
}

func (s *stubAWS) RecognizeText(_ context.Context, _ *lexruntimev2.RecognizeTextInput, _ ...func(*lexruntimev2.Options)) (*lexruntimev2.RecognizeTextOutput, error) {
	return s.dialog, nil
}

func (s *stubAWS) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.putItem = params
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubAWS) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.deleteItem = params
	return &dynamodb.DeleteItemOutput{}, nil
}
