package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/quarryhq/quarry/pkg/models"
)

const systemPrompt = `You are a planning brain for an autonomous work coordinator.
You receive one work item and must answer with a single JSON object, no prose.

The object has a "kind" field selecting one of:
  "work_items"        - propose follow-up work items in "work_items"
  "file_writes"       - declare repository file changes in "file_writes"
  "github_operations" - declare hosting operations in "github_operations"
  "error"             - explain in "error" why no plan is possible

For file_writes you may also set "commit_message", "title" and "body"
for the resulting change. Each file write carries the full new file
content at a repository-relative "path". Priorities are integers 1-10.`

// ClientConfig contains configuration for the Anthropic-backed brain.
type ClientConfig struct {
	// Model is the model to use. Empty selects a default.
	Model anthropic.Model
	// APIKey is the API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// MaxTokens caps the response size. Zero selects a default.
	MaxTokens int64
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string
}

// Client is an Anthropic-backed Brain.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates an Anthropic-backed brain client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

var _ Brain = (*Client)(nil)

// Plan asks the model for a plan and validates the answer.
func (c *Client) Plan(ctx context.Context, req Request) (*models.BrainResponse, Usage, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, Usage{}, err
	}

	sys := systemPrompt
	if req.Instructions != "" {
		sys += "\n\n" + req.Instructions
	}

	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: sys},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("API call failed: %w", err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	usage.Cost = estimateCost(usage.InputTokens, usage.OutputTokens)

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	if text == "" {
		return nil, usage, fmt.Errorf("model returned no text content")
	}

	plan, err := Parse([]byte(text))
	if err != nil {
		return nil, usage, err
	}
	return plan, usage, nil
}

// buildPrompt serializes the work item for the model.
func buildPrompt(req Request) (string, error) {
	payload, err := json.MarshalIndent(req.Item.Payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize work item payload: %w", err)
	}
	return fmt.Sprintf(
		"Project: %s (%s, default branch %s)\nWork type: %s\nWork item: %s\nPayload:\n%s\n",
		req.Project.Name, req.Project.RepoURL, req.Project.DefaultBranch,
		req.Item.WorkType, req.Item.ID, payload,
	), nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}

// estimateCost approximates USD cost at Sonnet pricing.
func estimateCost(input, output int64) float64 {
	return float64(input)/1_000_000*3.0 + float64(output)/1_000_000*15.0
}
