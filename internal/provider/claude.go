package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/logging"
	"github.com/drover-dev/drover/internal/rotator"
)

const (
	defaultModel    = anthropic.ModelClaudeSonnet4_5_20250929
	defaultMaxTurns = 50
	maxTokens       = 8192
)

// bedrockModels maps API model names to cross-region Bedrock inference
// profiles.
var bedrockModels = map[anthropic.Model]anthropic.Model{
	anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
}

// Claude runs tasks through the Anthropic SDK with an in-process agent
// loop. Credentials come from the rotator so a mid-run rotation takes
// effect on the next task.
type Claude struct {
	name       string
	model      anthropic.Model
	maxTurns   int
	useBedrock bool
	awsRegion  string
	creds      *rotator.Rotator
	log        *zap.SugaredLogger
}

// NewClaude builds the SDK-backed provider from its config entry.
func NewClaude(entry config.ProviderEntry, creds *rotator.Rotator) *Claude {
	model := defaultModel
	if entry.Model != "" {
		model = anthropic.Model(entry.Model)
	}
	maxTurns := entry.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Claude{
		name:       entry.Name,
		model:      model,
		maxTurns:   maxTurns,
		useBedrock: entry.UseBedrock,
		awsRegion:  entry.AWSRegion,
		creds:      creds,
		log:        logging.Named("provider." + entry.Name),
	}
}

func (c *Claude) Name() string { return c.name }

// client builds an SDK client with the currently active credential.
func (c *Claude) client(ctx context.Context) (*anthropic.Client, anthropic.Model, error) {
	if c.useBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if c.awsRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(c.awsRegion))
		}
		cl := anthropic.NewClient(bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
		model := c.model
		if m, ok := bedrockModels[model]; ok {
			model = m
		}
		return &cl, model, nil
	}

	if c.creds == nil {
		return nil, "", rotator.ErrNoTokens
	}
	key := c.creds.Current()
	if key == "" {
		return nil, "", rotator.ErrNoTokens
	}
	cl := anthropic.NewClient(option.WithAPIKey(key))
	return &cl, c.model, nil
}

// Validate makes a minimal API call to confirm the credential works.
func (c *Claude) Validate(ctx context.Context) error {
	client, model, err := c.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("validate %s: %w", c.name, err)
	}
	return nil
}

// Run executes the bounded tool-use loop until the model stops on its
// own or the turn budget runs out.
func (c *Claude) Run(ctx context.Context, task Task, emit func(Message)) (*Result, error) {
	client, model, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	send := func(m Message) {
		if emit != nil {
			emit(m)
		}
	}
	tools := &toolRunner{workDir: task.WorkDir}
	result := &Result{}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(task.Prompt)),
	}

	for result.Turns < c.maxTurns {
		result.Turns++

		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: maxTokens,
			System: []anthropic.TextBlockParam{
				{Text: task.SystemPrompt},
			},
			Messages: messages,
			Tools:    agentTools(),
		})
		if err != nil {
			return result, fmt.Errorf("api call failed: %w", err)
		}

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResults []anthropic.ContentBlockParamUnion
		var text string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += variant.Text
				send(Message{Kind: KindText, Text: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				send(Message{Kind: KindToolInvocation, Tool: variant.Name, Input: variant.Input})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				reply := tools.run(ctx, variant.Name, variant.Input)
				send(Message{Kind: KindToolResult, Tool: variant.Name, Text: reply.content})
				toolResults = append(toolResults,
					anthropic.NewToolResultBlock(variant.ID, reply.content, reply.isError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			result.Output = text
			send(Message{Kind: KindCompletion, Text: text})
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResults...))
		}
	}

	c.log.Warnw("turn budget exhausted", "issue", task.IssueNumber, "turns", result.Turns)
	return result, fmt.Errorf("turn budget (%d) exhausted on issue #%d", c.maxTurns, task.IssueNumber)
}
