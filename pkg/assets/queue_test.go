package assets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxboard/voxboard/pkg/vox"
)

// gatedGenerator records calls and holds each one until released, so tests
// can observe in-flight state deterministically.
type gatedGenerator struct {
	mu        sync.Mutex
	order     []string
	active    atomic.Int32
	maxActive atomic.Int32
	gate      chan struct{}
	failing   map[string]bool
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{gate: make(chan struct{}, 16), failing: make(map[string]bool)}
}

func (g *gatedGenerator) Generate(ctx context.Context, req Request) (*Asset, error) {
	cur := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		prev := g.maxActive.Load()
		if cur <= prev || g.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	g.mu.Lock()
	g.order = append(g.order, req.Description)
	fail := g.failing[req.Description]
	g.mu.Unlock()

	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if fail {
		return nil, vox.NewAPIError("generation blew up", 400)
	}
	return &Asset{Kind: req.Kind, Description: req.Description, MIMEType: "image/png", Data: []byte{1}}, nil
}

func (g *gatedGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestQueue_SingleFlightFIFO(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	var outcomes atomic.Int32
	q := NewQueue(context.Background(), gen, WithLogFunc(func(LogLevel, string) {
		outcomes.Add(1)
	}))

	for _, desc := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(Request{Kind: KindImage, Description: desc, Origin: OriginUserRequest})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return gen.active.Load() == 1 })
	st := q.State()
	require.True(t, st.Processing)
	require.Equal(t, 2, st.Depth)

	for i := 0; i < 3; i++ {
		gen.gate <- struct{}{}
	}
	waitFor(t, func() bool { return outcomes.Load() == 3 })

	require.Equal(t, []string{"first", "second", "third"}, gen.calls())
	require.EqualValues(t, 1, gen.maxActive.Load(), "more than one job was in flight")
	require.Len(t, q.Collection(), 3)

	st = q.State()
	require.False(t, st.Processing)
	require.Equal(t, 0, st.Depth)
}

func TestQueue_FailureDiscardsJobAndContinues(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	gen.failing["bad"] = true

	var mu sync.Mutex
	var logs []LogLevel
	q := NewQueue(context.Background(), gen, WithLogFunc(func(level LogLevel, _ string) {
		mu.Lock()
		logs = append(logs, level)
		mu.Unlock()
	}))

	_, err := q.Enqueue(Request{Kind: KindImage, Description: "bad", Origin: OriginUserRequest})
	require.NoError(t, err)
	_, err = q.Enqueue(Request{Kind: KindImage, Description: "good", Origin: OriginUserRequest})
	require.NoError(t, err)

	gen.gate <- struct{}{}
	gen.gate <- struct{}{}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(logs) == 2
	})

	require.Equal(t, []LogLevel{LogError, LogInfo}, logs)
	collection := q.Collection()
	require.Len(t, collection, 1)
	require.Equal(t, "good", collection[0].Description)
	require.Equal(t, collection[0].ID, q.ActiveID())
}

func TestQueue_ProposalApproveRunsJob(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	var outcomes atomic.Int32
	q := NewQueue(context.Background(), gen, WithLogFunc(func(LogLevel, string) {
		outcomes.Add(1)
	}))

	id, err := q.Propose(Request{Kind: KindChart, Description: "revenue by quarter"})
	require.NoError(t, err)

	// The held proposal is outside the queue: nothing is processing.
	st := q.State()
	require.Equal(t, 0, st.Depth)
	require.False(t, st.Processing)
	require.Equal(t, id, st.ProposalID)

	require.NoError(t, q.Approve(id))
	_, _, held := q.Proposal()
	require.False(t, held)

	waitFor(t, func() bool { return gen.active.Load() == 1 })
	gen.gate <- struct{}{}
	waitFor(t, func() bool { return outcomes.Load() == 1 })
	require.Equal(t, []string{"revenue by quarter"}, gen.calls())
}

func TestQueue_ProposalDismissAndMismatch(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	q := NewQueue(context.Background(), gen)

	id, err := q.Propose(Request{Kind: KindDiagram, Description: "auth flow"})
	require.NoError(t, err)

	require.Error(t, q.Approve("nope"))
	require.Error(t, q.Dismiss("nope"))

	require.NoError(t, q.Dismiss(id))
	require.Error(t, q.Approve(id), "dismissed proposal must be gone")
	require.Empty(t, gen.calls())
}

func TestQueue_EnqueueRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	q := NewQueue(context.Background(), newGatedGenerator())

	_, err := q.Enqueue(Request{Kind: "sculpture", Description: "x"})
	require.Error(t, err)
	_, err = q.Enqueue(Request{Kind: KindImage, Description: "   "})
	require.Error(t, err)
}
