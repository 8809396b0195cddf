package extract

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/ingest"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

// maxDocumentChars caps how much document text is injected into a prompt.
const maxDocumentChars = 120_000

// maxClassifyChars caps the excerpt used for type detection. Classification
// needs headers and a few lines, not the whole document.
const maxClassifyChars = 4_000

// messenger is the slice of the SDK client the extractor uses, kept as an
// interface for test doubles.
type messenger interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicExtractor implements Extractor against the Anthropic API with a
// shared rate limit across all workers.
type AnthropicExtractor struct {
	messages messenger
	cfg      config.AnthropicConfig
	catalog  *model.FieldCatalog
	limiter  *rate.Limiter
}

// Ensure AnthropicExtractor implements Extractor.
var _ Extractor = (*AnthropicExtractor)(nil)

// NewAnthropic creates an extractor backed by the official SDK.
func NewAnthropic(cfg config.AnthropicConfig, catalog *model.FieldCatalog) *AnthropicExtractor {
	client := sdk.NewClient(option.WithAPIKey(cfg.Key))
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2.0
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 4
	}
	return &AnthropicExtractor{
		messages: &client.Messages,
		cfg:      cfg,
		catalog:  catalog,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (e *AnthropicExtractor) DetectType(ctx context.Context, doc *ingest.Document) (model.DocumentType, error) {
	content := truncate(doc.Flatten(), maxClassifyChars)

	text, err := e.complete(ctx, e.classifyModel(), classifySystemText,
		fmt.Sprintf(classifyPrompt, doc.Filename, content), 256)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return "", err
	}

	detected := model.DocumentType(parsed.Type)
	if !KnownType(detected) {
		zap.L().Warn("extract: unrecognized document type, degrading to generic",
			zap.String("filename", doc.Filename),
			zap.String("detected", parsed.Type),
		)
		return model.DocOther, nil
	}

	zap.L().Debug("extract: document classified",
		zap.String("filename", doc.Filename),
		zap.String("type", string(detected)),
		zap.Float64("confidence", parsed.Confidence),
	)
	return detected, nil
}

func (e *AnthropicExtractor) Extract(ctx context.Context, docType model.DocumentType, doc *ingest.Document) (*Result, error) {
	content := truncate(doc.Flatten(), maxDocumentChars)
	prompt := fmt.Sprintf(extractPrompt,
		Profile(docType), fieldCatalogBlock(e.catalog), doc.Filename, content)

	maxTokens := e.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	text, err := e.complete(ctx, e.cfg.Model, extractSystemText, prompt, maxTokens)
	if err != nil {
		return nil, err
	}

	result, err := decodeResult(text, docType, e.catalog)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// complete issues one message call under the shared rate limit and returns
// the concatenated text blocks.
func (e *AnthropicExtractor) complete(ctx context.Context, modelID, system, prompt string, maxTokens int64) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "extract: rate limit wait")
	}

	msg, err := e.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classifyProviderError(err)
	}

	var out string
	for _, block := range msg.Content {
		if block.Text != "" {
			out += block.Text
		}
	}
	return out, nil
}

func (e *AnthropicExtractor) classifyModel() string {
	if e.cfg.ClassifyModel != "" {
		return e.cfg.ClassifyModel
	}
	return e.cfg.Model
}

// classifyProviderError maps SDK failures onto the pipeline taxonomy:
// rate limits, timeouts, and 5xx are retryable; everything else is fatal
// for the task.
func classifyProviderError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if resilience.IsTransientHTTPStatus(apierr.StatusCode) {
			return resilience.Unavailable(eris.Wrap(err, "extract: provider"), apierr.StatusCode)
		}
		return eris.Wrap(err, "extract: provider")
	}
	if resilience.IsTransient(err) {
		return resilience.Unavailable(eris.Wrap(err, "extract: provider"), 0)
	}
	return eris.Wrap(err, "extract: provider")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
