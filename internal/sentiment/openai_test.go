package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponses struct {
	outputs []string
	errs    []error
	calls   int
	last    responses.ResponseNewParams
}

func (s *scriptedResponses) New(_ context.Context, body responses.ResponseNewParams, _ ...option.RequestOption) (*responses.Response, error) {
	i := s.calls
	s.calls++
	s.last = body
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return responseWithText(s.outputs[i])
}

func responseWithText(text string) (*responses.Response, error) {
	quoted, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	raw := fmt.Sprintf(`{"id":"resp_1","object":"response","output":[{"type":"message","id":"msg_1","role":"assistant","status":"completed","content":[{"type":"output_text","text":%s,"annotations":[]}]}]}`, quoted)
	var resp responses.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func testAnalyzer(rc responseCreator) *OpenAIAnalyzer {
	return newOpenAIAnalyzer(rc, OpenAIOptions{
		Model:     "gpt-4.1-mini",
		Attempts:  3,
		RetryBase: time.Millisecond,
		RetryCap:  time.Millisecond,
	})
}

func TestOpenAIAnalyzerDecodesStructuredOutput(t *testing.T) {
	rc := &scriptedResponses{outputs: []string{`{"neg":0.6,"neu":0.4,"pos":0,"compound":-0.71}`}}
	got, err := testAnalyzer(rc).PolarityScores(context.Background(), "I feel unsafe")
	require.NoError(t, err)
	assert.Equal(t, Scores{Neg: 0.6, Neu: 0.4, Pos: 0, Compound: -0.71}, got)
	assert.EqualValues(t, "gpt-4.1-mini", rc.last.Model)
	require.NotNil(t, rc.last.Text.Format.OfJSONSchema)
	assert.Equal(t, "PolarityScores", rc.last.Text.Format.OfJSONSchema.Name)
}

func TestOpenAIAnalyzerRetriesTransientFailures(t *testing.T) {
	rc := &scriptedResponses{
		errs:    []error{errors.New("connection reset"), nil},
		outputs: []string{"", "Sure: {\"neg\":0,\"neu\":1,\"pos\":0,\"compound\":0}"},
	}
	got, err := testAnalyzer(rc).PolarityScores(context.Background(), "I went to the store")
	require.NoError(t, err)
	assert.Equal(t, Neutral, got)
	assert.Equal(t, 2, rc.calls)
}

func TestOpenAIAnalyzerDoesNotRetryGarbage(t *testing.T) {
	rc := &scriptedResponses{outputs: []string{"no idea", "no idea", "no idea"}}
	_, err := testAnalyzer(rc).PolarityScores(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, 1, rc.calls)
}

func TestNewOpenAIAnalyzerValidates(t *testing.T) {
	_, err := NewOpenAIAnalyzer(OpenAIOptions{Model: "m"})
	require.Error(t, err)
	_, err = NewOpenAIAnalyzer(OpenAIOptions{APIKey: "k"})
	require.Error(t, err)
}

func TestDecodeModelJSON(t *testing.T) {
	var out polarityResponse
	require.ErrorIs(t, decodeModelJSON("  ", &out), io.ErrUnexpectedEOF)
	require.ErrorIs(t, decodeModelJSON(`{"neg":0.1`, &out), io.ErrUnexpectedEOF)
	require.Error(t, decodeModelJSON("plain words", &out))

	require.NoError(t, decodeModelJSON("```json\n{\"neg\":0.2,\"neu\":0.8,\"pos\":0,\"compound\":-0.3}\n```", &out))
	assert.Equal(t, -0.3, out.Compound)
}

func TestGenerateSchemaIsStrict(t *testing.T) {
	schema := generateSchema[polarityResponse]()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"compound", "neg", "neu", "pos"}, schema["required"])
	_, hasDraft := schema["$schema"]
	assert.False(t, hasDraft)
}
