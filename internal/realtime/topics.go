package realtime

import "fmt"

// Topics are scoped per conversation so a view only receives events for the
// scope it has open.
const (
	topicMessagesFmt = "conv.%d.messages"
	topicTypingFmt   = "conv.%d.typing"
	topicReceiptsFmt = "conv.%d.receipts"
)

// MessagesTopic is the insert feed for one conversation.
func MessagesTopic(conversationID int) string {
	return fmt.Sprintf(topicMessagesFmt, conversationID)
}

// TypingTopic carries ephemeral typing signals for one conversation.
func TypingTopic(conversationID int) string {
	return fmt.Sprintf(topicTypingFmt, conversationID)
}

// ReceiptsTopic carries read receipts for one conversation.
func ReceiptsTopic(conversationID int) string {
	return fmt.Sprintf(topicReceiptsFmt, conversationID)
}
