package awsgw

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lexruntimev2"
	lextypes "github.com/aws/aws-sdk-go-v2/service/lexruntimev2/types"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
)

// SendTurn runs one text exchange against the bot runtime and flattens the
// response into a dialog result.
func (g *Gateway) SendTurn(ctx context.Context, req gateway.TurnRequest) (suite.DialogResult, error) {
	if err := g.resolveClients(ctx); err != nil {
		return suite.DialogResult{}, err
	}

	botID := req.Target.BotID
	if botID == "" {
		botID = g.cfg.BotID
	}
	aliasID := req.Target.BotAliasID
	if aliasID == "" {
		aliasID = g.cfg.BotAliasID
	}
	localeID := req.Target.LocaleID
	if localeID == "" {
		localeID = g.cfg.LocaleID
	}
	if botID == "" || aliasID == "" {
		return suite.DialogResult{}, &gateway.TargetUnresolvedError{Missing: "bot_id and bot_alias_id"}
	}

	input := &lexruntimev2.RecognizeTextInput{
		BotId:      aws.String(botID),
		BotAliasId: aws.String(aliasID),
		LocaleId:   aws.String(localeID),
		SessionId:  aws.String(req.SessionID),
		Text:       aws.String(req.Text),
	}
	if len(req.SessionAttributes) > 0 {
		input.SessionState = &lextypes.SessionState{SessionAttributes: req.SessionAttributes}
	}

	out, err := g.dialogs.RecognizeText(ctx, input)
	if err != nil {
		return suite.DialogResult{}, classify(err)
	}
	return flattenDialog(out), nil
}

func flattenDialog(out *lexruntimev2.RecognizeTextOutput) suite.DialogResult {
	var result suite.DialogResult
	if out.SessionState != nil {
		state := out.SessionState
		if state.Intent != nil {
			result.Intent = aws.ToString(state.Intent.Name)
			result.IntentState = string(state.Intent.State)
			result.Slots = flattenSlots(state.Intent.Slots)
		}
		if state.DialogAction != nil {
			result.DialogState = string(state.DialogAction.Type)
			result.ElicitedSlot = aws.ToString(state.DialogAction.SlotToElicit)
		}
		result.SessionAttributes = state.SessionAttributes
		for _, active := range state.ActiveContexts {
			result.ActiveContexts = append(result.ActiveContexts, aws.ToString(active.Name))
		}
	}
	var messages []string
	for _, msg := range out.Messages {
		if content := aws.ToString(msg.Content); content != "" {
			messages = append(messages, content)
		}
	}
	result.Message = strings.Join(messages, " ")
	return result
}

func flattenSlots(slots map[string]lextypes.Slot) map[string]string {
	if len(slots) == 0 {
		return nil
	}
	out := make(map[string]string, len(slots))
	for name, slot := range slots {
		if slot.Value != nil {
			out[name] = aws.ToString(slot.Value.InterpretedValue)
		}
	}
	return out
}
