package tools

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	last  CompletionRequest
}

func (f *fakeCompleter) Provider() string { return "openai" }

func (f *fakeCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.calls++
	f.last = req
	return f.reply, f.err
}

func newLiveDiscovery(t *testing.T, llm Completer) *LiveDiscovery {
	logger := zaptest.NewLogger(t)
	return NewLiveDiscovery(llm, ratecontrol.NewLimiter(map[string]int{"openai": 6000}, logger), logger)
}

func TestLiveDiscoveryParsesResponses(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{
			name:  "fenced array",
			reply: "Here you go:\n```json\n[{\"title\":\"Widget\",\"price\":199.99},{\"title\":\"Widget Max\",\"price\":\"$299\"}]\n```",
			want:  2,
		},
		{
			name:  "wrapped object",
			reply: `{"products":[{"title":"Widget","rating":4.5,"source_url":"https://shop.example.com/w"}]}`,
			want:  1,
		},
		{
			name:  "single object",
			reply: `{"title":"Widget","price":"$10"}`,
			want:  1,
		},
		{
			name:  "truncated to max results",
			reply: `[{"title":"a"},{"title":"b"},{"title":"c"},{"title":"d"}]`,
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeCompleter{reply: tt.reply}
			res, err := newLiveDiscovery(t, llm).Execute(context.Background(), Input{ProductName: "Widget"})
			require.NoError(t, err)
			require.NotNil(t, res.Discovery)
			assert.Len(t, res.Discovery.Products, tt.want)
			assert.Equal(t, "openai", res.Discovery.Source)
			for _, p := range res.Discovery.Products {
				assert.NotEmpty(t, p.SourceURL)
			}
			assert.True(t, llm.last.Grounded)
		})
	}
}

func TestLiveDiscoveryNumericFields(t *testing.T) {
	llm := &fakeCompleter{reply: `[{"title":"Widget","price":199.99,"rating":4.5}]`}
	res, err := newLiveDiscovery(t, llm).Execute(context.Background(), Input{ProductName: "Widget"})
	require.NoError(t, err)
	assert.Equal(t, "199.99", res.Discovery.Products[0].Price)
	assert.Equal(t, "4.5", res.Discovery.Products[0].Rating)
}

func TestLiveDiscoveryErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  state.ErrorKind
	}{
		{"invalid json", "I could not find anything useful", nil, state.KindPermanent},
		{"empty list", `[]`, nil, state.KindPermanent},
		{"gemini unavailable", "", genai.APIError{Code: 503, Message: "overloaded"}, state.KindTransient},
		{"gemini bad request", "", genai.APIError{Code: 400, Message: "bad"}, state.KindPermanent},
		{"openai rate limited", "", &openai.APIError{HTTPStatusCode: 429}, state.KindTransient},
		{"openai unauthorized", "", &openai.RequestError{HTTPStatusCode: 401, Err: errors.New("nope")}, state.KindPermanent},
		{"breaker open", "", circuitbreaker.ErrCircuitBreakerOpen, state.KindTransient},
		{"deadline", "", context.DeadlineExceeded, state.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeCompleter{reply: tt.reply, err: tt.err}
			_, err := newLiveDiscovery(t, llm).Execute(context.Background(), Input{ProductName: "Widget"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestLiveReportReplacesSummary(t *testing.T) {
	in := runSynthetic(t, "Widget", state.Params{})
	logger := zaptest.NewLogger(t)
	limiter := ratecontrol.NewLimiter(map[string]int{"openai": 6000}, logger)

	llm := &fakeCompleter{reply: "  Widget is doing well.  "}
	res, err := NewLiveReport(llm, limiter, logger).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Widget is doing well.", res.Report.ExecutiveSummary)
	assert.Contains(t, llm.last.Prompt, "Widget")

	failing := &fakeCompleter{err: genai.APIError{Code: 500}}
	_, err = NewLiveReport(failing, limiter, logger).Execute(context.Background(), in)
	assert.Equal(t, state.KindTransient, KindOf(err))
}

func TestNewSuiteSelection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	suite, err := NewSuite(ctx, SuiteConfig{}, logger)
	require.NoError(t, err)
	assert.Equal(t, ModeSynthetic, suite.Mode)
	assert.IsType(t, &SyntheticDiscovery{}, suite.Discovery)

	_, err = NewSuite(ctx, SuiteConfig{Mode: ModeLive, Provider: "openai"}, logger)
	assert.Error(t, err)

	suite, err = NewSuite(ctx, SuiteConfig{OpenAIAPIKey: "sk-test"}, logger)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, suite.Mode)
	assert.IsType(t, &LiveDiscovery{}, suite.Discovery)
	assert.IsType(t, &LiveReport{}, suite.Report)
	assert.IsType(t, &SentimentSynthesizer{}, suite.Sentiment)

	suite, err = NewSuite(ctx, SuiteConfig{Mode: ModeSynthetic, OpenAIAPIKey: "sk-test"}, logger)
	require.NoError(t, err)
	assert.Equal(t, ModeSynthetic, suite.Mode)
}
