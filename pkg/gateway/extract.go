// Copyright 2024-2026 Aiku AI

package gateway

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// unwrapMessage peels wrapper variants (ephemeral, view-once,
// document-with-caption) to reach the inner content.
func unwrapMessage(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// ExtractText classifies a message's content into a human-readable text
// summary. First match wins. The empty string means the content variant is
// unsupported and the event must be dropped without forwarding.
func ExtractText(msg *waE2E.Message) string {
	msg = unwrapMessage(msg)
	if msg == nil {
		return ""
	}

	if text := msg.GetConversation(); text != "" {
		return text
	}
	if text := msg.GetExtendedTextMessage().GetText(); text != "" {
		return text
	}

	if img := msg.GetImageMessage(); img != nil {
		if caption := img.GetCaption(); caption != "" {
			return "[Image] " + caption
		}
		return "[Image]"
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		if caption := vid.GetCaption(); caption != "" {
			return "[Video] " + caption
		}
		return "[Video]"
	}
	if msg.GetAudioMessage() != nil {
		return "[Audio]"
	}
	if msg.GetStickerMessage() != nil {
		return "[Sticker]"
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		if caption := doc.GetCaption(); caption != "" {
			return "[Document] " + caption
		}
		name := doc.GetFileName()
		if name == "" {
			name = "file"
		}
		return "[Document: " + name + "]"
	}
	if contact := msg.GetContactMessage(); contact != nil {
		name := contact.GetDisplayName()
		if name == "" {
			name = "contact"
		}
		return "[Contact: " + name + "]"
	}
	if msg.GetLocationMessage() != nil {
		return "[Location]"
	}

	if btn := msg.GetButtonsResponseMessage(); btn.GetSelectedButtonID() != "" {
		if label := btn.GetSelectedDisplayText(); label != "" {
			return label
		}
		return btn.GetSelectedButtonID()
	}
	if list := msg.GetListResponseMessage(); list.GetSingleSelectReply().GetSelectedRowID() != "" {
		if title := list.GetTitle(); title != "" {
			return title
		}
		return list.GetSingleSelectReply().GetSelectedRowID()
	}

	return ""
}

// MentionedJIDs returns the mention list from the message's context info,
// checking the content variants that can carry one.
func MentionedJIDs(msg *waE2E.Message) []string {
	msg = unwrapMessage(msg)
	if msg == nil {
		return nil
	}
	contexts := []*waE2E.ContextInfo{
		msg.GetExtendedTextMessage().GetContextInfo(),
		msg.GetImageMessage().GetContextInfo(),
		msg.GetVideoMessage().GetContextInfo(),
		msg.GetDocumentMessage().GetContextInfo(),
		msg.GetButtonsResponseMessage().GetContextInfo(),
		msg.GetListResponseMessage().GetContextInfo(),
	}
	for _, ci := range contexts {
		if mentioned := ci.GetMentionedJID(); len(mentioned) > 0 {
			return mentioned
		}
	}
	return nil
}
