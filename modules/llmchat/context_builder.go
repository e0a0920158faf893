package llmchat

import (
	"bytes"
	"fmt"
	"maps"
	"strings"
	"text/template"
	"time"

	llmconfig "otogi-agent/pkg/llm/config"
	"otogi-agent/pkg/otogi"
)

// buildGenerateRequest turns the history window plus the triggering record
// into one provider request. Other bots are dropped, the account's own
// records become assistant turns, and user turns carry context blocks.
func buildGenerateRequest(
	agent llmconfig.Agent,
	trigger otogi.MessageRecord,
	prompt string,
	history []otogi.MessageRecord,
	self otogi.SelfIdentity,
	now time.Time,
) (otogi.LLMGenerateRequest, error) {
	systemPrompt, err := renderSystemPrompt(agent, trigger, self, now)
	if err != nil {
		return otogi.LLMGenerateRequest{}, fmt.Errorf("render system prompt: %w", err)
	}

	window := make([]otogi.MessageRecord, 0, len(history)+1)
	window = append(window, history...)
	current := trigger
	if prompt != "" {
		current.Text = prompt
	}
	window = append(window, current)

	byID := make(map[string]otogi.MessageRecord, len(window))
	for _, record := range window {
		byID[record.ID] = record
	}

	messages := make([]otogi.LLMMessage, 0, len(window)+1)
	messages = append(messages, otogi.LLMMessage{Role: otogi.LLMMessageRoleSystem, Content: systemPrompt})
	for _, record := range window {
		text := strings.TrimSpace(record.Text)
		if text == "" {
			continue
		}
		if isSelf(record, self) {
			messages = append(messages, otogi.LLMMessage{Role: otogi.LLMMessageRoleAssistant, Content: text})
			continue
		}
		if record.Actor.IsBot {
			continue
		}

		parent, hasParent := byID[record.ReplyToID]
		if record.ReplyToID == "" {
			hasParent = false
		}
		messages = append(messages, otogi.LLMMessage{
			Role:    otogi.LLMMessageRoleUser,
			Content: text + "\n\n" + renderContextBlocks(record, parent, hasParent),
		})
	}

	req := otogi.LLMGenerateRequest{
		Model:           agent.Model,
		Messages:        messages,
		MaxOutputTokens: agent.MaxOutputTokens,
		Temperature:     agent.Temperature,
	}
	if err := req.Validate(); err != nil {
		return otogi.LLMGenerateRequest{}, err
	}

	return req, nil
}

func isSelf(record otogi.MessageRecord, self otogi.SelfIdentity) bool {
	return record.Outgoing || (self.ID != "" && record.Actor.ID == self.ID)
}

func renderContextBlocks(record otogi.MessageRecord, parent otogi.MessageRecord, hasParent bool) string {
	var builder strings.Builder
	builder.WriteString("Message context:\n")
	writeField(&builder, "message_id", record.ID)
	if record.ReplyToID != "" {
		writeField(&builder, "reply_to_message_id", record.ReplyToID)
	}
	if hasParent {
		writeField(&builder, "reply_to_author_id", parent.Actor.ID)
		writeField(&builder, "reply_to_author_username", parent.Actor.Username)
		writeField(&builder, "reply_to_author_display_name", parent.Actor.DisplayName)
		writeField(&builder, "reply_to_content", parent.Text)
	}

	builder.WriteString("User context:\n")
	writeField(&builder, "username", record.Actor.Username)
	writeField(&builder, "display_name", record.Actor.DisplayName)
	writeField(&builder, "user_id", record.Actor.ID)

	return strings.TrimRight(builder.String(), "\n")
}

func writeField(builder *strings.Builder, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "N/A"
	}
	builder.WriteString(key)
	builder.WriteString(": ")
	builder.WriteString(value)
	builder.WriteByte('\n')
}

func renderSystemPrompt(
	agent llmconfig.Agent,
	trigger otogi.MessageRecord,
	self otogi.SelfIdentity,
	now time.Time,
) (string, error) {
	tmpl, err := template.New("system_prompt").Option("missingkey=error").Parse(agent.SystemPromptTemplate)
	if err != nil {
		return "", fmt.Errorf("parse system prompt template: %w", err)
	}

	now = now.UTC()
	data := map[string]any{
		"Now":               now,
		"NowRFC3339":        now.Format(time.RFC3339),
		"AgentName":         agent.Name,
		"AgentDescription":  agent.Description,
		"Model":             agent.Model,
		"SelfID":            self.ID,
		"SelfUsername":      self.Username,
		"SelfDisplayName":   self.DisplayName,
		"ConversationID":    trigger.Conversation.ID,
		"ConversationTitle": trigger.Conversation.Title,
		"ConversationType":  string(trigger.Conversation.Type),
		"ActorID":           trigger.Actor.ID,
		"ActorUsername":     trigger.Actor.Username,
		"ActorDisplayName":  trigger.Actor.DisplayName,
		"Vars":              maps.Clone(agent.TemplateVariables),
	}
	for key, value := range agent.TemplateVariables {
		if _, reserved := data[key]; !reserved {
			data[key] = value
		}
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("execute system prompt template: %w", err)
	}

	result := strings.TrimSpace(rendered.String())
	if result == "" {
		return "", fmt.Errorf("rendered system prompt is empty")
	}

	return result, nil
}
