package llmchat

import (
	"strings"
	"testing"
	"time"

	"otogi-agent/pkg/otogi"
)

func TestBuildGenerateRequestFormatsWindow(t *testing.T) {
	t.Parallel()

	agent := testConfig().Agents[0]
	self := otogi.SelfIdentity{ID: "7", Username: "me", DisplayName: "Me"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	earlier := testRecord("10", otogi.ConversationTypeGroup, "who wants tea?")
	own := testRecord("11", otogi.ConversationTypeGroup, "I do")
	own.Actor = otogi.Actor{ID: "7", Username: "me"}
	own.Outgoing = true
	bot := testRecord("12", otogi.ConversationTypeGroup, "beep")
	bot.Actor = otogi.Actor{ID: "99", Username: "helper_bot", IsBot: true}
	empty := testRecord("13", otogi.ConversationTypeGroup, "  ")
	trigger := testRecord("14", otogi.ConversationTypeGroup, "otogi which tea?")
	trigger.ReplyToID = "10"

	req, err := buildGenerateRequest(agent, trigger, "which tea?", []otogi.MessageRecord{earlier, own, bot, empty}, self, now)
	if err != nil {
		t.Fatalf("buildGenerateRequest failed: %v", err)
	}

	if req.Model != agent.Model {
		t.Fatalf("model = %q, want %q", req.Model, agent.Model)
	}
	wantRoles := []otogi.LLMMessageRole{
		otogi.LLMMessageRoleSystem,
		otogi.LLMMessageRoleUser,
		otogi.LLMMessageRoleAssistant,
		otogi.LLMMessageRoleUser,
	}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("messages len = %d, want %d: %+v", len(req.Messages), len(wantRoles), req.Messages)
	}
	for index, role := range wantRoles {
		if req.Messages[index].Role != role {
			t.Fatalf("messages[%d] role = %q, want %q", index, req.Messages[index].Role, role)
		}
	}

	if got, want := req.Messages[0].Content, "You are Me (@me) in Lounge."; got != want {
		t.Fatalf("system prompt = %q, want %q", got, want)
	}
	if req.Messages[2].Content != "I do" {
		t.Fatalf("assistant content = %q, want raw text", req.Messages[2].Content)
	}

	current := req.Messages[3].Content
	for _, want := range []string{
		"which tea?\n\nMessage context:\n",
		"message_id: 14",
		"reply_to_message_id: 10",
		"reply_to_author_username: alice",
		"reply_to_content: who wants tea?",
		"User context:\nusername: alice\ndisplay_name: Alice\nuser_id: 42",
	} {
		if !strings.Contains(current, want) {
			t.Fatalf("current user content = %q, want substring %q", current, want)
		}
	}
	if strings.Contains(req.Messages[1].Content, "reply_to_") {
		t.Fatalf("earlier content = %q, want no reply fields", req.Messages[1].Content)
	}
}

func TestBuildGenerateRequestReplyOutsideWindow(t *testing.T) {
	t.Parallel()

	trigger := testRecord("20", otogi.ConversationTypePrivate, "and this?")
	trigger.ReplyToID = "3"

	req, err := buildGenerateRequest(testConfig().Agents[1], trigger, "", nil, otogi.SelfIdentity{}, time.Now())
	if err != nil {
		t.Fatalf("buildGenerateRequest failed: %v", err)
	}

	content := req.Messages[len(req.Messages)-1].Content
	if !strings.HasPrefix(content, "and this?") {
		t.Fatalf("content = %q, want original text when prompt is empty", content)
	}
	if !strings.Contains(content, "reply_to_message_id: 3") {
		t.Fatalf("content = %q, want reply id", content)
	}
	if strings.Contains(content, "reply_to_content") {
		t.Fatalf("content = %q, want no parent fields for missing parent", content)
	}
}

func TestRenderSystemPrompt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	tests := []struct {
		name             string
		template         string
		vars             map[string]string
		want             string
		wantErrSubstring string
	}{
		{
			name:     "identity and conversation fields",
			template: "{{.SelfID}} {{.ConversationID}} {{.ConversationType}} {{.ActorUsername}} {{.NowRFC3339}}",
			want:     "7 chat-1 private alice 2026-01-02T02:04:05Z",
		},
		{
			name:     "custom variables at top level and under Vars",
			template: "{{.tone}} / {{.Vars.tone}}",
			vars:     map[string]string{"tone": "dry"},
			want:     "dry / dry",
		},
		{
			name:     "custom variable cannot shadow builtin",
			template: "{{.AgentName}}",
			vars:     map[string]string{"AgentName": "spoofed"},
			want:     "Otogi",
		},
		{
			name:             "missing key fails",
			template:         "{{.Unknown}}",
			wantErrSubstring: "execute system prompt template",
		},
		{
			name:             "blank render fails",
			template:         "{{if false}}x{{end}}",
			wantErrSubstring: "rendered system prompt is empty",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			agent := testConfig().Agents[0]
			agent.SystemPromptTemplate = testCase.template
			agent.TemplateVariables = testCase.vars

			got, err := renderSystemPrompt(
				agent,
				testRecord("1", otogi.ConversationTypePrivate, "hi"),
				otogi.SelfIdentity{ID: "7"},
				now,
			)
			if testCase.wantErrSubstring != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("renderSystemPrompt failed: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("prompt = %q, want %q", got, testCase.want)
			}
		})
	}
}
