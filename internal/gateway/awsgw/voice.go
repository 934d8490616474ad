package awsgw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
)

// StartInteraction seeds the virtual caller's conversation script and places
// the outbound call through the SIP media application. The returned
// correlation id is the media transaction id.
func (g *Gateway) StartInteraction(ctx context.Context, req gateway.StartRequest) (string, error) {
	if err := g.resolveClients(ctx); err != nil {
		return "", err
	}
	if len(req.Script) > 0 {
		if err := g.seedScript(ctx, req.ConversationID, req.Case, req.Script); err != nil {
			return "", err
		}
	}

	out, err := g.calls.CreateSipMediaApplicationCall(ctx, &chimesdkvoice.CreateSipMediaApplicationCallInput{
		FromPhoneNumber:       aws.String(g.cfg.SourceNumber),
		ToPhoneNumber:         aws.String(req.Target.Destination),
		SipMediaApplicationId: aws.String(g.cfg.SipMediaApplicationID),
		ArgumentsMap: map[string]string{
			"conversation_id": req.ConversationID,
			"case_id":         req.Case,
			"env":             g.cfg.Environment,
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if out.SipMediaApplicationCall == nil || out.SipMediaApplicationCall.TransactionId == nil {
		return "", gateway.NewBackendError(gateway.ClassTransport, "", "call placed but no transaction id returned", nil)
	}
	return *out.SipMediaApplicationCall.TransactionId, nil
}

// Hangup asks the media application to end an in-flight call. Some flows end
// with a backend-side disconnect first, so an already-ended call is not an
// error.
func (g *Gateway) Hangup(ctx context.Context, correlationID string) error {
	if err := g.resolveClients(ctx); err != nil {
		return err
	}
	_, err := g.calls.UpdateSipMediaApplicationCall(ctx, &chimesdkvoice.UpdateSipMediaApplicationCallInput{
		SipMediaApplicationId: aws.String(g.cfg.SipMediaApplicationID),
		TransactionId:         aws.String(correlationID),
		Arguments:             map[string]string{"action": "hangup"},
	})
	if err != nil {
		classified := classify(err)
		if gateway.IsPermanent(classified) {
			return nil
		}
		return classified
	}
	return nil
}

// seedScript writes the caller script the media handler replays. Every item
// carries a TTL so scripts never accumulate when teardown is skipped.
func (g *Gateway) seedScript(ctx context.Context, conversationID, caseName string, script []suite.ScriptStep) error {
	encoded, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("encode script for %s: %w", conversationID, err)
	}
	now := g.Now()
	_, err = g.scripts.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(g.cfg.ConversationTable),
		Item: map[string]ddbtypes.AttributeValue{
			"conversation_id":    &ddbtypes.AttributeValueMemberS{Value: conversationID},
			"script":             &ddbtypes.AttributeValueMemberS{Value: string(encoded)},
			"current_step_index": &ddbtypes.AttributeValueMemberN{Value: "0"},
			"status":             &ddbtypes.AttributeValueMemberS{Value: "READY"},
			"test_name":          &ddbtypes.AttributeValueMemberS{Value: caseName},
			"created_at":         &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			"ttl":                &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(g.cfg.ScriptTTL).Unix())},
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// CleanupScript deletes a seeded conversation script. TTL is the backstop;
// explicit cleanup keeps stale READY items from lingering within the hour.
func (g *Gateway) CleanupScript(ctx context.Context, conversationID string) error {
	if err := g.resolveClients(ctx); err != nil {
		return err
	}
	_, err := g.scripts.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(g.cfg.ConversationTable),
		Key: map[string]ddbtypes.AttributeValue{
			"conversation_id": &ddbtypes.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}
