package llmchat

import (
	"strings"
	"unicode"

	llmconfig "otogi-agent/pkg/llm/config"
	"otogi-agent/pkg/otogi"
)

const (
	triggerKeyword = "keyword"
	triggerPrivate = "private"
	triggerMention = "mention"
)

type agentMatch struct {
	agent  llmconfig.Agent
	prompt string
	reason string
}

// selectAgent picks the agent answering record. A leading agent keyword wins;
// otherwise private chats and mentions go to the default agent.
func (m *Module) selectAgent(record otogi.MessageRecord) (agentMatch, bool) {
	if match, ok := m.matchKeyword(record.Text); ok {
		return match, true
	}

	var reason string
	switch {
	case record.Conversation.Type == otogi.ConversationTypePrivate:
		reason = triggerPrivate
	case record.MentionsSelf:
		reason = triggerMention
	default:
		return agentMatch{}, false
	}

	agent, ok := m.cfg.Default()
	if !ok {
		return agentMatch{}, false
	}

	return agentMatch{agent: agent, prompt: strings.TrimSpace(record.Text), reason: reason}, true
}

func (m *Module) matchKeyword(text string) (agentMatch, bool) {
	var match agentMatch
	longest := -1
	for _, candidate := range m.cfg.Agents {
		prompt, ok := matchAgentTrigger(text, candidate.Name)
		if !ok {
			continue
		}
		if length := len([]rune(candidate.Name)); length > longest {
			match = agentMatch{agent: candidate, prompt: prompt, reason: triggerKeyword}
			longest = length
		}
	}

	return match, longest >= 0
}

func matchAgentTrigger(text string, agentName string) (prompt string, matched bool) {
	trimmedText := strings.TrimSpace(text)
	trimmedName := strings.TrimSpace(agentName)
	if trimmedText == "" || trimmedName == "" {
		return "", false
	}

	textRunes := []rune(trimmedText)
	nameRunes := []rune(trimmedName)
	if len(textRunes) < len(nameRunes) {
		return "", false
	}
	if !strings.EqualFold(string(textRunes[:len(nameRunes)]), trimmedName) {
		return "", false
	}

	if len(textRunes) == len(nameRunes) {
		return "", true
	}

	if !isAgentWordBoundary(textRunes[len(nameRunes)]) {
		return "", false
	}

	rest := strings.TrimSpace(string(textRunes[len(nameRunes):]))
	rest = strings.TrimLeft(rest, ":,.;!?，。：；！？")

	return strings.TrimSpace(rest), true
}

func isAgentWordBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
