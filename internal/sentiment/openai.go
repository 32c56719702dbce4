package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/ent0n29/elderwatch/internal/reliability"
)

const openAIInstructions = `You score the sentiment of one utterance spoken during a home care visit.
Return neg, neu and pos as proportions between 0 and 1 that sum to 1, and compound
as the overall polarity between -1 (most negative) and 1 (most positive).
Statements about feeling unsafe, afraid, hurt or neglected are negative.
Plain factual statements are neutral with compound 0.`

// polarityResponse is the structured output requested from the model.
type polarityResponse struct {
	Neg      float64 `json:"neg" jsonschema:"required,minimum=0,maximum=1"`
	Neu      float64 `json:"neu" jsonschema:"required,minimum=0,maximum=1"`
	Pos      float64 `json:"pos" jsonschema:"required,minimum=0,maximum=1"`
	Compound float64 `json:"compound" jsonschema:"required,minimum=-1,maximum=1"`
}

type responseCreator interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// OpenAIAnalyzer scores text with a hosted model using structured outputs.
type OpenAIAnalyzer struct {
	responses responseCreator
	model     string
	retry     reliability.Policy
	schema    map[string]any
}

type OpenAIOptions struct {
	APIKey    string
	Model     string
	BaseURL   string
	Attempts  int
	RetryBase time.Duration
	RetryCap  time.Duration
}

func NewOpenAIAnalyzer(opts OpenAIOptions) (*OpenAIAnalyzer, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai analyzer: api key is empty")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openai analyzer: model is empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return newOpenAIAnalyzer(&client.Responses, opts), nil
}

func newOpenAIAnalyzer(rc responseCreator, opts OpenAIOptions) *OpenAIAnalyzer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 10 * time.Second
	}
	return &OpenAIAnalyzer{
		responses: rc,
		model:     opts.Model,
		schema:    generateSchema[polarityResponse](),
		retry: reliability.Policy{
			Attempts:  opts.Attempts,
			Base:      opts.RetryBase,
			Cap:       opts.RetryCap,
			Retryable: isRetryableOpenAIError,
		},
	}
}

func (a *OpenAIAnalyzer) PolarityScores(ctx context.Context, text string) (Scores, error) {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "PolarityScores",
			Schema:      a.schema,
			Strict:      openai.Bool(true),
			Description: openai.String("Sentiment polarity scores"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           a.model,
		MaxOutputTokens: openai.Int(200),
		Instructions:    openai.String(openAIInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	var out polarityResponse
	_, err := reliability.Do(ctx, a.retry, func(ctx context.Context) error {
		resp, err := a.responses.New(ctx, params)
		if err != nil {
			return err
		}
		if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			return reliability.Permanent{Err: err}
		}
		return nil
	})
	if err != nil {
		return Scores{}, fmt.Errorf("openai polarity: %w", err)
	}
	return Scores{Neg: out.Neg, Neu: out.Neu, Pos: out.Pos, Compound: out.Compound}, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
	}
	// Truncated output and transport failures are worth another attempt.
	return true
}

// decodeModelJSON unmarshals the first JSON object in a model response.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start != -1 && end == -1 {
		return io.ErrUnexpectedEOF
	}
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		panic(err)
	}
	// Strict mode rejects the draft marker and requires every property.
	delete(schema, "$schema")
	delete(schema, "$id")
	schema["additionalProperties"] = false
	if props, ok := schema["properties"].(map[string]any); ok {
		required := make([]string, 0, len(props))
		for name := range props {
			required = append(required, name)
		}
		slices.Sort(required)
		schema["required"] = required
	}
	return schema
}
