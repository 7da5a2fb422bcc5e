// Package assets implements the visual asset production pipeline: a
// single-consumer job queue in front of the remote generation API, plus the
// turn analysis step that proposes assets from conversation transcripts.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"

	"github.com/voxboard/voxboard/pkg/vox"
)

// Kind selects which remote generation call produces an asset.
type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindChart   Kind = "chart"
	KindDiagram Kind = "diagram"
)

// Origin records who asked for an asset.
type Origin string

const (
	OriginUserRequest      Origin = "user_request"
	OriginSystemSuggestion Origin = "system_suggestion"
)

// Request describes one asset to produce.
type Request struct {
	Kind        Kind
	Description string
	Origin      Origin
}

// Validate rejects requests the generator cannot dispatch.
func (r Request) Validate() error {
	switch r.Kind {
	case KindImage, KindVideo, KindChart, KindDiagram:
	default:
		return vox.NewPreconditionError(fmt.Sprintf("unknown asset kind %q", r.Kind))
	}
	if strings.TrimSpace(r.Description) == "" {
		return vox.NewPreconditionError("asset description is empty")
	}
	return nil
}

// Asset is a finished generation result. Binary kinds carry Data; chart and
// diagram kinds carry Source (chart JSON or diagram markup).
type Asset struct {
	ID          string
	Kind        Kind
	Description string
	Origin      Origin
	MIMEType    string
	Data        []byte
	Source      string
	CreatedAt   time.Time
}

// ChartData is the structured payload behind a chart asset.
type ChartData struct {
	Title  string        `json:"title"`
	Labels []string      `json:"labels"`
	Series []ChartSeries `json:"series"`
}

// ChartSeries is one named row of chart values.
type ChartSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Generator produces one asset from a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Asset, error)
}

// backend is the raw remote surface behind the generator. The production
// implementation lives in genai.go; tests substitute a fake.
type backend interface {
	GenerateImage(ctx context.Context, prompt string) (data []byte, mimeType string, err error)
	GenerateVideo(ctx context.Context, prompt string) (data []byte, mimeType string, err error)
	GenerateText(ctx context.Context, prompt string, wantJSON bool) (string, error)
}

// RetryPolicy bounds the per-call retry loop around remote generation.
type RetryPolicy struct {
	// Attempts is the total number of tries, first call included.
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries transient failures up to three total attempts
// with delays doubling from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second}
}

const (
	chartPromptTemplate = `Produce chart data for the following request as JSON with this exact shape:
{"title": string, "labels": [string], "series": [{"name": string, "values": [number]}]}
Every series must have exactly as many values as there are labels.
Respond with JSON only.

Request: %s`

	diagramPromptTemplate = `Produce a Mermaid diagram for the following request.
Respond with only the Mermaid source, no code fences and no commentary.

Request: %s`
)

// generator dispatches requests by kind and retries transient failures.
type generator struct {
	backend backend
	policy  RetryPolicy
	log     zerolog.Logger
}

// NewGenerator builds the production generator on top of the remote API
// client in cfg.
func NewGenerator(ctx context.Context, cfg ClientConfig, policy RetryPolicy, log zerolog.Logger) (Generator, error) {
	be, err := newGenaiBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newGenerator(be, policy, log), nil
}

func newGenerator(be backend, policy RetryPolicy, log zerolog.Logger) *generator {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	return &generator{
		backend: be,
		policy:  policy,
		log:     log.With().Str("component", "assets").Logger(),
	}
}

func (g *generator) Generate(ctx context.Context, req Request) (*Asset, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var asset *Asset
	err := g.withRetry(ctx, func(ctx context.Context) error {
		out, err := g.dispatch(ctx, req)
		if err != nil {
			return err
		}
		asset = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (g *generator) dispatch(ctx context.Context, req Request) (*Asset, error) {
	switch req.Kind {
	case KindImage:
		data, mimeType, err := g.backend.GenerateImage(ctx, req.Description)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, vox.NewEmptyError("image generation returned no data")
		}
		return &Asset{Kind: req.Kind, Description: req.Description, Origin: req.Origin, MIMEType: mimeType, Data: data}, nil

	case KindVideo:
		data, mimeType, err := g.backend.GenerateVideo(ctx, req.Description)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, vox.NewEmptyError("video generation returned no data")
		}
		return &Asset{Kind: req.Kind, Description: req.Description, Origin: req.Origin, MIMEType: mimeType, Data: data}, nil

	case KindChart:
		text, err := g.backend.GenerateText(ctx, fmt.Sprintf(chartPromptTemplate, req.Description), true)
		if err != nil {
			return nil, err
		}
		if _, err := ParseChartData(text); err != nil {
			return nil, err
		}
		return &Asset{Kind: req.Kind, Description: req.Description, Origin: req.Origin, MIMEType: "application/json", Source: text}, nil

	case KindDiagram:
		text, err := g.backend.GenerateText(ctx, fmt.Sprintf(diagramPromptTemplate, req.Description), false)
		if err != nil {
			return nil, err
		}
		text = stripCodeFence(text)
		if strings.TrimSpace(text) == "" {
			return nil, vox.NewEmptyError("diagram generation returned no source")
		}
		return &Asset{Kind: req.Kind, Description: req.Description, Origin: req.Origin, MIMEType: "text/vnd.mermaid", Source: text}, nil
	}
	return nil, vox.NewPreconditionError(fmt.Sprintf("unknown asset kind %q", req.Kind))
}

// withRetry runs fn with exponential backoff. Rate limits, 5xx responses,
// and transport failures are retried; other API errors fail fast.
func (g *generator) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(g.policy.Attempts-1), retry.NewExponential(g.policy.BaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Retryable(err) {
			g.log.Debug().Err(err).Msg("transient generation failure, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

// Retryable classifies a remote generation error per the backoff policy.
func Retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var verr *vox.Error
	if errors.As(err, &verr) {
		return verr.IsRetryable()
	}
	var terr *vox.TransportError
	return errors.As(err, &terr)
}

// ParseChartData validates chart JSON and checks label/value alignment.
func ParseChartData(src string) (*ChartData, error) {
	var data ChartData
	if err := json.Unmarshal([]byte(src), &data); err != nil {
		return nil, vox.NewMalformedError(fmt.Sprintf("chart data is not valid JSON: %v", err))
	}
	if len(data.Labels) == 0 || len(data.Series) == 0 {
		return nil, vox.NewMalformedError("chart data is missing labels or series")
	}
	for _, s := range data.Series {
		if len(s.Values) != len(data.Labels) {
			return nil, vox.NewMalformedError(fmt.Sprintf("series %q has %d values for %d labels", s.Name, len(s.Values), len(data.Labels)))
		}
	}
	return &data, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
