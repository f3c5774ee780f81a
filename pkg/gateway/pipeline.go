// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// deliverer forwards a normalized message to the downstream consumer.
// WebhookClient implements it; tests inject a mock.
type deliverer interface {
	Deliver(ctx context.Context, msg *NormalizedMessage) error
}

// groupInfoProvider fetches group metadata from the active session.
type groupInfoProvider interface {
	GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
}

// EventPipeline turns live inbound message events into webhook deliveries:
// filter, dedup, identity resolution, content extraction, group enrichment,
// payload assembly, delivery. Each event is processed independently; a
// failure never aborts the rest of the stream.
type EventPipeline struct {
	resolver *IdentityResolver
	dedup    *DedupGuard
	sink     deliverer
	groups   groupInfoProvider
	log      zerolog.Logger
}

func NewEventPipeline(resolver *IdentityResolver, dedup *DedupGuard, sink deliverer, groups groupInfoProvider, log zerolog.Logger) *EventPipeline {
	return &EventPipeline{
		resolver: resolver,
		dedup:    dedup,
		sink:     sink,
		groups:   groups,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// HandleMessage processes one live inbound message. History backfill never
// reaches this method; the dispatcher ignores those batches wholesale.
func (p *EventPipeline) HandleMessage(ctx context.Context, evt *events.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("message_id", string(evt.Info.ID)).
				Msg("Recovered from message handler panic")
		}
	}()

	info := evt.Info
	if evt.Message == nil || info.IsFromMe || info.Chat.Server == types.BroadcastServer {
		return
	}
	id := string(info.ID)
	if p.dedup.IsDuplicate(id) {
		p.log.Debug().Str("message_id", id).Msg("Duplicate message, skipping")
		return
	}

	isGroup := info.Chat.Server == types.GroupServer

	// A direct message from a rotating address we cannot resolve yet is
	// dropped unmarked: the protocol retry is expected to arrive with the
	// verified sender attached.
	if !isGroup && info.Sender.Server == types.HiddenUserServer &&
		info.SenderAlt.IsEmpty() && !p.resolver.CanResolve(ctx, info.Sender) {
		p.log.Warn().Str("sender", info.Sender.String()).Str("message_id", id).
			Msg("Unresolved rotating sender without verified address, waiting for retry")
		return
	}

	text := ExtractText(evt.Message)
	if text == "" {
		p.log.Warn().Str("sender", info.Sender.String()).Msg("Unsupported message type")
		return
	}

	var from string
	var groupName, participant, participantName *string
	if isGroup {
		// The delivery address of a group message is the group itself, not
		// the participant who sent it.
		from = NormalizeAddress(info.Chat)
		if p.groups != nil {
			if gi, err := p.groups.GroupInfo(ctx, info.Chat); err != nil {
				p.log.Warn().Err(err).Str("group", info.Chat.String()).Msg("Group metadata lookup failed")
			} else if gi.Name != "" {
				groupName = ptr.Ptr(gi.Name)
			}
		}
		participant = ptr.Ptr(p.resolver.Resolve(ctx, info.Sender, info.SenderAlt))
		if info.PushName != "" {
			participantName = ptr.Ptr(info.PushName)
		}
	} else {
		from = p.resolver.Resolve(ctx, info.Sender, info.SenderAlt)
	}

	mentions := MentionedJIDs(evt.Message)
	isMentioned := len(mentions) > 0
	if mentions == nil {
		mentions = []string{}
	}

	msg := &NormalizedMessage{
		From:            from,
		Body:            text,
		Text:            MessageText{Body: text},
		ID:              id,
		Timestamp:       info.Timestamp.Unix(),
		IsMentioned:     isMentioned,
		MentionedJID:    mentions,
		IsGroup:         isGroup,
		Participant:     participant,
		ParticipantName: participantName,
		GroupName:       groupName,
		OriginalJID:     info.Sender.String(),
	}
	if info.PushName != "" {
		msg.FromName = ptr.Ptr(info.PushName)
		msg.PushName = ptr.Ptr(info.PushName)
	}

	p.dedup.MarkProcessed(id)
	if err := p.sink.Deliver(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("message_id", id).Msg("Webhook delivery failed")
		return
	}
	p.log.Info().Str("from", from).Str("message_id", id).Msg("Message forwarded")
}
