package wa

import (
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

// convertMessage maps a whatsmeow message onto the session shape. own is
// the logged-in account, used as the other party of the chat.
func convertMessage(info types.MessageInfo, msg *waE2E.Message, own types.JID) session.RawMessage {
	raw := session.RawMessage{
		ID:        info.ID,
		Chat:      info.Chat.String(),
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp,
		Source:    msg,
	}
	self := own.ToNonAD().String()
	if info.IsFromMe {
		raw.From, raw.To = self, info.Chat.String()
		raw.Ack = chat.AckServer
	} else {
		raw.From, raw.To = info.Chat.String(), self
		if info.IsGroup {
			raw.From = info.Sender.ToNonAD().String()
		}
		raw.Ack = chat.AckDelivered
	}

	switch {
	case msg.GetConversation() != "":
		raw.Type, raw.Body = "chat", msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		raw.Type, raw.Body = "chat", msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		raw.Type, raw.Body, raw.MimeType = "image", m.GetCaption(), m.GetMimetype()
		raw.HasMedia = true
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		raw.Type, raw.Body, raw.MimeType = "video", m.GetCaption(), m.GetMimetype()
		raw.HasMedia = true
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		raw.Type, raw.MimeType = "audio", m.GetMimetype()
		raw.HasMedia = true
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		raw.Type, raw.Body, raw.MimeType, raw.FileName = "document", m.GetCaption(), m.GetMimetype(), m.GetFileName()
		raw.HasMedia = true
	case msg.GetStickerMessage() != nil:
		raw.Type, raw.MimeType = "sticker", msg.GetStickerMessage().GetMimetype()
		raw.HasMedia = true
	default:
		raw.Type = "unknown"
	}
	return raw
}

// sentMessage builds the self-sent message for a successful send.
// whatsmeow raises no message event for its own sends.
func sentMessage(to, own types.JID, resp whatsmeow.SendResponse, msg *waE2E.Message) session.RawMessage {
	at := resp.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: to, Sender: own, IsFromMe: true},
		ID:            resp.ID,
		Timestamp:     at,
	}
	return convertMessage(info, msg, own)
}

// convertReceipt maps recipient receipts; it reports false for receipt
// kinds that do not change a sent message's ack.
func convertReceipt(tenantID string, r *events.Receipt) (chat.ReceiptV1, bool) {
	var status chat.ReceiptStatus
	switch r.Type {
	case types.ReceiptTypeDelivered:
		status = chat.ReceiptDelivered
	case types.ReceiptTypeRead:
		status = chat.ReceiptRead
	case types.ReceiptTypePlayed:
		status = chat.ReceiptPlayed
	default:
		return chat.ReceiptV1{}, false
	}
	if r.IsFromMe || len(r.MessageIDs) == 0 {
		return chat.ReceiptV1{}, false
	}
	ids := make([]string, 0, len(r.MessageIDs))
	for _, id := range r.MessageIDs {
		ids = append(ids, string(id))
	}
	return chat.ReceiptV1{
		TenantID:     tenantID,
		Chat:         r.Chat.String(),
		WaMessageIDs: ids,
		Status:       status,
		At:           r.Timestamp,
	}, true
}

// recipientJID accepts a bare phone number or a full JID.
func recipientJID(recipient string) (types.JID, error) {
	if strings.Contains(recipient, "@") {
		return types.ParseJID(recipient)
	}
	return types.NewJID(recipient, types.DefaultUserServer), nil
}

func isBroadcast(jid types.JID) bool {
	return jid.Server == types.BroadcastServer || jid.Server == types.NewsletterServer
}
