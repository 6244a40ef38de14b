package llm

import "github.com/caiyusheng650/SocketChatAI/internal/domain"

// BuildPrompt turns conversation history plus the new user content into the
// upstream message list. System messages are not sent upstream.
func BuildPrompt(history []domain.Message, content string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant:
			messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return append(messages, ChatMessage{Role: string(domain.RoleUser), Content: content})
}
