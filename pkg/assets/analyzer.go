package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/vox"
)

const analysisPromptTemplate = `You watch a voice conversation and decide whether a visual asset
would help the discussion right now. Respond as JSON with this exact shape:
{"worthwhile": boolean, "kind": "image"|"video"|"chart"|"diagram", "description": string}
Set "worthwhile" to false unless the conversation clearly calls for a visual.

Recent conversation:
%s`

// Suggestion is the analyzer's verdict on a completed turn.
type Suggestion struct {
	Worthwhile  bool   `json:"worthwhile"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

// Analyzer inspects completed turns and proposes assets. It shares the
// generator's backend and retry policy.
type Analyzer struct {
	backend backend
	policy  RetryPolicy
	log     zerolog.Logger
}

// NewAnalyzer builds the turn analyzer on the remote API client in cfg.
func NewAnalyzer(ctx context.Context, cfg ClientConfig, policy RetryPolicy, log zerolog.Logger) (*Analyzer, error) {
	be, err := newGenaiBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newAnalyzer(be, policy, log), nil
}

func newAnalyzer(be backend, policy RetryPolicy, log zerolog.Logger) *Analyzer {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Analyzer{
		backend: be,
		policy:  policy,
		log:     log.With().Str("component", "analyzer").Logger(),
	}
}

// Suggest asks the model whether the recent transcript warrants an asset.
// Returns nil when nothing worthwhile was found.
func (a *Analyzer) Suggest(ctx context.Context, transcript string) (*Request, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	g := &generator{backend: a.backend, policy: a.policy, log: a.log}
	var raw string
	err := g.withRetry(ctx, func(ctx context.Context) error {
		out, err := a.backend.GenerateText(ctx, fmt.Sprintf(analysisPromptTemplate, transcript), true)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, vox.NewMalformedError(fmt.Sprintf("analysis response is not valid JSON: %v", err))
	}
	if !s.Worthwhile {
		return nil, nil
	}
	req := Request{Kind: s.Kind, Description: s.Description, Origin: OriginSystemSuggestion}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
