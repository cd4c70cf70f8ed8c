package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/core"
)

const defaultSystemPrompt = `You are a customer support assistant.

GUIDELINES:
- Be concise, friendly, and accurate
- Answer from the KNOWLEDGE BASE section when it is present; do not invent product details
- Use the REMEMBERED FACTS section to personalize responses
- When the user shares a durable fact about themselves (name, plan, order number), record it with remember_fact
- If you cannot help with the request, call escalate_to_human instead of guessing`

// AnthropicConfig configures the Claude-backed responder.
type AnthropicConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`

	// MaxToolRounds bounds the tool-use loop per turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultAnthropicConfig returns the stock responder configuration.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:         "claude-sonnet-4-20250514",
		MaxTokens:     1024,
		MaxToolRounds: 4,
		SystemPrompt:  defaultSystemPrompt,
	}
}

// AnthropicResponder generates replies with the Claude Messages API. The
// model can invoke remember_fact and escalate_to_human; both are applied
// locally and surfaced on the Reply rather than executed against external
// systems.
type AnthropicResponder struct {
	client *anthropic.Client
	cfg    AnthropicConfig
	logger *zap.Logger
}

// NewAnthropicResponder wraps an Anthropic client. Zero-value config fields
// fall back to defaults; logger may be nil.
func NewAnthropicResponder(client *anthropic.Client, cfg AnthropicConfig, logger *zap.Logger) *AnthropicResponder {
	def := DefaultAnthropicConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = def.MaxToolRounds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicResponder{client: client, cfg: cfg, logger: logger}
}

// Respond runs a bounded tool-use loop against the Messages API.
func (r *AnthropicResponder) Respond(ctx context.Context, prompt *Prompt) (*Reply, error) {
	messages := buildMessages(prompt)
	tools := supportTools()

	reply := &Reply{Facts: make(map[string]string)}

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrResponderUnavailable, err)
		}
		if round >= r.cfg.MaxToolRounds {
			return nil, fmt.Errorf("%w: exceeded %d tool rounds", core.ErrResponderUnavailable, r.cfg.MaxToolRounds)
		}

		resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(r.cfg.Model),
			MaxTokens: r.cfg.MaxTokens,
			Messages:  messages,
			System: []anthropic.TextBlockParam{
				{Text: buildSystem(r.cfg.SystemPrompt, prompt)},
			},
			Tools: tools,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrResponderUnavailable, err)
		}

		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				reply.Text += block.Text

			case "tool_use":
				result, isError := r.handleTool(reply, block.Name, block.Input)
				toolResults = append(toolResults, anthropic.NewToolResultBlock(block.ID, result, isError))
			}
		}

		if len(toolResults) == 0 {
			return reply, nil
		}

		messages = append(messages, resp.ToParam())
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}
}

// handleTool applies a tool call to the in-progress reply and returns the
// result text for the model.
func (r *AnthropicResponder) handleTool(reply *Reply, name string, input json.RawMessage) (string, bool) {
	switch name {
	case "remember_fact":
		var args struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(input, &args); err != nil || args.Key == "" {
			return "invalid remember_fact input: key and value are required", true
		}
		reply.Facts[args.Key] = args.Value
		r.logger.Debug("responder recorded fact", zap.String("key", args.Key))
		return fmt.Sprintf("noted: %s", args.Key), false

	case "escalate_to_human":
		reply.RequestEscalation = true
		return "a human agent will follow up on this conversation", false

	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

// supportTools declares the two local tools offered to the model.
func supportTools() []anthropic.ToolUnionParam {
	remember := anthropic.ToolUnionParamOfTool(objectSchema(map[string]interface{}{
		"key":   stringProperty("Short identifier for the fact (e.g. 'name', 'plan', 'order_number')"),
		"value": stringProperty("The fact to remember"),
	}, "key", "value"), "remember_fact")
	remember.OfTool.Description = anthropic.String(
		"Remember a durable fact about the user for future conversations.")

	escalate := anthropic.ToolUnionParamOfTool(objectSchema(map[string]interface{}{
		"reason": stringProperty("Why the conversation needs a human agent"),
	}, "reason"), "escalate_to_human")
	escalate.OfTool.Description = anthropic.String(
		"Hand the conversation to a human support agent when you cannot resolve the request.")

	return []anthropic.ToolUnionParam{remember, escalate}
}

// buildSystem assembles the system prompt from the base prompt and the
// turn's context sections.
func buildSystem(base string, prompt *Prompt) string {
	var b strings.Builder
	b.WriteString(base)

	if len(prompt.MemoryFacts) > 0 {
		b.WriteString("\n\nREMEMBERED FACTS:\n")
		for _, key := range sortedKeys(prompt.MemoryFacts) {
			fmt.Fprintf(&b, "- %s: %s\n", key, prompt.MemoryFacts[key])
		}
	}

	if len(prompt.Citations) > 0 {
		b.WriteString("\nKNOWLEDGE BASE:\n")
		for i, c := range prompt.Citations {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, c.Location, c.Snippet)
		}
	}

	if len(prompt.AttachmentText) > 0 {
		b.WriteString("\nUSER ATTACHMENTS:\n")
		for i, text := range prompt.AttachmentText {
			fmt.Fprintf(&b, "--- attachment %d ---\n%s\n", i+1, text)
		}
	}

	return b.String()
}

// buildMessages converts the history window plus the current user text into
// API messages.
func buildMessages(prompt *Prompt) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(prompt.History)+1)
	for _, turn := range prompt.History {
		if turn.Content == "" {
			continue
		}
		switch turn.Role {
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	text := prompt.UserText
	if strings.TrimSpace(text) == "" {
		// Attachment-only turn; the content lives in the system sections.
		text = "(see attached files)"
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	return messages
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
