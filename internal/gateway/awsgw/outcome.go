package awsgw

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	connecttypes "github.com/aws/aws-sdk-go-v2/service/connect/types"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
)

// searchWindowSlack widens the search window on both ends: contact initiation
// timestamps lag the dispatch clock slightly in either direction.
const searchWindowSlack = 10 * time.Second

// SearchOutcome queries recent contact records in the filter's window and
// maps them to outcome records, newest first per the backend's sort. Records
// belonging to a different conversation are dropped when the filter names
// one. An empty result is not an error; the verifier treats it as index lag.
func (g *Gateway) SearchOutcome(ctx context.Context, filter gateway.OutcomeFilter) ([]suite.OutcomeRecord, error) {
	if err := g.resolveClients(ctx); err != nil {
		return nil, err
	}

	since := filter.Since
	if since.IsZero() {
		since = g.Now().Add(-5 * time.Minute)
	}
	channel := connecttypes.ChannelVoice
	if filter.Channel == "CHAT" {
		channel = connecttypes.ChannelChat
	}

	out, err := g.contacts.SearchContacts(ctx, &connect.SearchContactsInput{
		InstanceId: aws.String(g.cfg.ConnectInstanceID),
		TimeRange: &connecttypes.SearchContactsTimeRange{
			Type:      connecttypes.SearchContactsTimeRangeTypeInitiationTimestamp,
			StartTime: aws.Time(since.Add(-searchWindowSlack)),
			EndTime:   aws.Time(g.Now().Add(searchWindowSlack)),
		},
		SearchCriteria: &connecttypes.SearchCriteria{
			Channels: []connecttypes.Channel{channel},
		},
		Sort: &connecttypes.Sort{
			FieldName: connecttypes.SortableFieldNameInitiationTimestamp,
			Order:     connecttypes.SortOrderDescending,
		},
		MaxResults: aws.Int32(5),
	})
	if err != nil {
		return nil, classify(err)
	}

	records := make([]suite.OutcomeRecord, 0, len(out.Contacts))
	for _, contact := range out.Contacts {
		record, err := g.toOutcomeRecord(ctx, contact)
		if err != nil {
			return nil, err
		}
		if filter.ConversationID != "" {
			if cid, ok := record.Attributes["conversation_id"]; ok && cid != filter.ConversationID {
				continue
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func (g *Gateway) toOutcomeRecord(ctx context.Context, contact connecttypes.ContactSearchSummary) (suite.OutcomeRecord, error) {
	record := suite.OutcomeRecord{
		ID:      aws.ToString(contact.Id),
		Channel: string(contact.Channel),
	}
	if contact.InitiationTimestamp != nil {
		record.InitiatedAt = *contact.InitiationTimestamp
	}
	if contact.QueueInfo != nil {
		name, err := g.queueName(ctx, aws.ToString(contact.QueueInfo.Id))
		if err != nil {
			return suite.OutcomeRecord{}, err
		}
		record.Queue = name
	}

	contactID := aws.ToString(contact.InitialContactId)
	if contactID == "" {
		contactID = record.ID
	}
	attrs, err := g.contacts.GetContactAttributes(ctx, &connect.GetContactAttributesInput{
		InstanceId:       aws.String(g.cfg.ConnectInstanceID),
		InitialContactId: aws.String(contactID),
	})
	if err != nil {
		return suite.OutcomeRecord{}, classify(err)
	}
	record.Attributes = attrs.Attributes
	record.CorrelationID = attrs.Attributes["transaction_id"]
	return record, nil
}

// queueName resolves a queue id to its display name, caching the full
// listing on first use. Case expectations name queues, the search API
// returns ids.
func (g *Gateway) queueName(ctx context.Context, queueID string) (string, error) {
	if queueID == "" {
		return "", nil
	}
	g.mu.Lock()
	cached := g.queueNames
	g.mu.Unlock()
	if name, ok := cached[queueID]; ok {
		return name, nil
	}
	if cached == nil {
		names := make(map[string]string)
		var token *string
		for {
			out, err := g.contacts.ListQueues(ctx, &connect.ListQueuesInput{
				InstanceId: aws.String(g.cfg.ConnectInstanceID),
				QueueTypes: []connecttypes.QueueType{connecttypes.QueueTypeStandard},
				NextToken:  token,
			})
			if err != nil {
				return "", classify(err)
			}
			for _, q := range out.QueueSummaryList {
				names[aws.ToString(q.Id)] = aws.ToString(q.Name)
			}
			if out.NextToken == nil {
				break
			}
			token = out.NextToken
		}
		g.mu.Lock()
		g.queueNames = names
		g.mu.Unlock()
		if name, ok := names[queueID]; ok {
			return name, nil
		}
	}
	// Unknown id: surface it raw so the mismatch diagnostic still points
	// somewhere concrete.
	return queueID, nil
}
