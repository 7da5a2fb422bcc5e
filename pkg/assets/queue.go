package assets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/vox"
)

// LogLevel classifies queue log entries for the conversation log.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogError
)

// QueueState is the observable snapshot of the queue, emitted whenever the
// depth, processing flag, or pending proposal changes.
type QueueState struct {
	Depth      int
	Processing bool
	ProposalID string
}

type job struct {
	id  string
	req Request
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the structured logger.
func WithQueueLogger(log zerolog.Logger) QueueOption {
	return func(q *Queue) { q.log = log.With().Str("component", "asset_queue").Logger() }
}

// WithLogFunc registers a conversation-log callback for job outcomes.
func WithLogFunc(fn func(level LogLevel, text string)) QueueOption {
	return func(q *Queue) { q.onLog = fn }
}

// WithQueueStateFunc registers a queue state callback.
func WithQueueStateFunc(fn func(QueueState)) QueueOption {
	return func(q *Queue) { q.onState = fn }
}

// WithAssetFunc registers a callback invoked when a finished asset joins
// the collection and becomes the active one.
func WithAssetFunc(fn func(Asset)) QueueOption {
	return func(q *Queue) { q.onAsset = fn }
}

// Queue is the single-consumer asset production queue. Exactly one job is
// in flight at a time; the processing flag is the only guard the invariant
// needs. A system-suggested job is held as a proposal outside the queue
// until the user approves it into the queue or dismisses it.
type Queue struct {
	gen Generator
	ctx context.Context
	log zerolog.Logger
	now func() time.Time

	onLog   func(level LogLevel, text string)
	onState func(QueueState)
	onAsset func(Asset)

	mu         sync.Mutex
	pending    []*job
	processing bool
	proposal   *job
	collection []Asset
	activeID   string
}

// NewQueue creates a queue whose jobs run under ctx.
func NewQueue(ctx context.Context, gen Generator, opts ...QueueOption) *Queue {
	q := &Queue{
		gen: gen,
		ctx: ctx,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job to the back of the queue and returns its id.
// System-suggested requests do not go through here; use Propose.
func (q *Queue) Enqueue(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	j := &job{id: uuid.NewString(), req: req}

	q.mu.Lock()
	q.pending = append(q.pending, j)
	fire := q.stateChangedLocked()
	q.mu.Unlock()
	fire()

	q.tick()
	return j.id, nil
}

// Propose holds a system-suggested job for explicit approval. A newer
// proposal replaces an unresolved older one.
func (q *Queue) Propose(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req.Origin = OriginSystemSuggestion
	j := &job{id: uuid.NewString(), req: req}

	q.mu.Lock()
	replaced := q.proposal != nil
	q.proposal = j
	fire := q.stateChangedLocked()
	q.mu.Unlock()
	fire()

	if replaced {
		q.emitLog(LogInfo, "Replaced the earlier suggestion with a new one.")
	}
	return j.id, nil
}

// Proposal returns the held proposal's id and request, if any.
func (q *Queue) Proposal() (string, Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.proposal == nil {
		return "", Request{}, false
	}
	return q.proposal.id, q.proposal.req, true
}

// Approve pushes the held proposal into the queue.
func (q *Queue) Approve(id string) error {
	q.mu.Lock()
	if q.proposal == nil || q.proposal.id != id {
		q.mu.Unlock()
		return vox.NewPreconditionError("no matching asset proposal to approve")
	}
	j := q.proposal
	q.proposal = nil
	q.pending = append(q.pending, j)
	fire := q.stateChangedLocked()
	q.mu.Unlock()
	fire()

	q.tick()
	return nil
}

// Dismiss discards the held proposal.
func (q *Queue) Dismiss(id string) error {
	q.mu.Lock()
	if q.proposal == nil || q.proposal.id != id {
		q.mu.Unlock()
		return vox.NewPreconditionError("no matching asset proposal to dismiss")
	}
	q.proposal = nil
	fire := q.stateChangedLocked()
	q.mu.Unlock()
	fire()
	return nil
}

// Collection returns a copy of the finished assets in completion order.
func (q *Queue) Collection() []Asset {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Asset, len(q.collection))
	copy(out, q.collection)
	return out
}

// ActiveID returns the id of the most recently finished asset.
func (q *Queue) ActiveID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeID
}

// State returns the current queue snapshot.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// tick dequeues the head job when nothing is in flight.
func (q *Queue) tick() {
	q.mu.Lock()
	if q.processing || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	q.processing = true
	fire := q.stateChangedLocked()
	q.mu.Unlock()
	fire()

	go q.run(j)
}

func (q *Queue) run(j *job) {
	asset, err := q.gen.Generate(q.ctx, j.req)

	q.mu.Lock()
	q.processing = false
	if err == nil {
		asset.ID = j.id
		asset.CreatedAt = q.now()
		q.collection = append(q.collection, *asset)
		q.activeID = asset.ID
	}
	fire := q.stateChangedLocked()
	var done Asset
	if err == nil {
		done = q.collection[len(q.collection)-1]
	}
	q.mu.Unlock()
	fire()

	if err != nil {
		// Retries already happened inside the generator; the job is gone.
		q.log.Error().Err(err).Str("kind", string(j.req.Kind)).Msg("asset generation failed")
		q.emitLog(LogError, fmt.Sprintf("Couldn't create the %s: %s", j.req.Kind, vox.Friendly(err)))
	} else {
		if q.onAsset != nil {
			q.onAsset(done)
		}
		q.emitLog(LogInfo, RenderLogEntry(done))
	}

	q.tick()
}

func (q *Queue) snapshotLocked() QueueState {
	st := QueueState{Depth: len(q.pending), Processing: q.processing}
	if q.proposal != nil {
		st.ProposalID = q.proposal.id
	}
	return st
}

func (q *Queue) stateChangedLocked() func() {
	cb := q.onState
	if cb == nil {
		return func() {}
	}
	st := q.snapshotLocked()
	return func() { cb(st) }
}

func (q *Queue) emitLog(level LogLevel, text string) {
	if q.onLog != nil {
		q.onLog(level, text)
	}
}
