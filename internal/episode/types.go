// Package episode implements the episodic memory store: a durable,
// vector-indexed log of past orchestration decisions with an asynchronous
// write path, a cached synchronous retrieval path, and a scheduled embedding
// backfill reconciler.
package episode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/recalld/internal/memval"
)

// Common errors for episodic store operations.
var (
	// ErrNotFound is returned when an episode does not exist.
	ErrNotFound = errors.New("episode not found")

	// ErrIntegrity is returned when a write would violate a data
	// invariant. The write is rejected, never coerced.
	ErrIntegrity = errors.New("episode integrity violation")

	// ErrAlreadyResolved is returned when an outcome is reported for an
	// episode that already has one. Outcome attachment is exactly-once.
	ErrAlreadyResolved = errors.New("episode outcome already resolved")

	// ErrEmptySubject indicates a draft without a subject.
	ErrEmptySubject = errors.New("subject ID cannot be empty")
)

// Episode is one recorded orchestration decision cycle.
//
// Perception, reasoning, and action are write-once snapshots. The outcome
// pair is attached exactly once when the result becomes known, and the
// embedding at most once more if it had to be backfilled.
type Episode struct {
	// ID is the unique episode identifier (UUID), immutable.
	ID string `json:"id"`

	// SubjectID identifies the entity (project) this episode concerns.
	SubjectID string `json:"subject_id"`

	// OccurredAt is the creation timestamp, immutable.
	OccurredAt time.Time `json:"occurred_at"`

	// Perception is what the decision engine observed.
	Perception memval.Value `json:"perception"`

	// Reasoning is what it inferred.
	Reasoning memval.Value `json:"reasoning"`

	// Action is what it did.
	Action memval.Value `json:"action"`

	// Outcome is the structured result, nil until known.
	Outcome *memval.Value `json:"outcome,omitempty"`

	// OutcomeQuality is a score in [0,1], present iff Outcome is present.
	OutcomeQuality *float64 `json:"outcome_quality,omitempty"`

	// Embedding is the fixed-dimension vector over the textual fields,
	// nil when the provider was unavailable at write time.
	Embedding []float32 `json:"-"`

	// RequiresEmbedding marks the episode for backfill. Invariant:
	// Embedding == nil implies RequiresEmbedding.
	RequiresEmbedding bool `json:"requires_embedding"`

	// AgentVersion and DecisionSource identify the producing engine.
	AgentVersion   string `json:"agent_version"`
	DecisionSource string `json:"decision_source"`
}

// Draft is the caller-supplied portion of an episode, handed to the async
// Logger.
type Draft struct {
	SubjectID      string       `json:"subject_id"`
	Perception     memval.Value `json:"perception"`
	Reasoning      memval.Value `json:"reasoning"`
	Action         memval.Value `json:"action"`
	AgentVersion   string       `json:"agent_version"`
	DecisionSource string       `json:"decision_source"`
}

// Validate checks the draft.
func (d Draft) Validate() error {
	if d.SubjectID == "" {
		return ErrEmptySubject
	}
	return nil
}

// NewFromDraft builds an Episode with a generated ID and creation time.
func NewFromDraft(d Draft) (*Episode, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Episode{
		ID:                uuid.New().String(),
		SubjectID:         d.SubjectID,
		OccurredAt:        time.Now().UTC(),
		Perception:        d.Perception,
		Reasoning:         d.Reasoning,
		Action:            d.Action,
		RequiresEmbedding: true,
		AgentVersion:      d.AgentVersion,
		DecisionSource:    d.DecisionSource,
	}, nil
}

// Validate checks the episode's invariants.
func (e *Episode) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrIntegrity)
	}
	if e.SubjectID == "" {
		return fmt.Errorf("%w: %v", ErrIntegrity, ErrEmptySubject)
	}
	if (e.Outcome == nil) != (e.OutcomeQuality == nil) {
		return fmt.Errorf("%w: outcome and outcome_quality must be set together", ErrIntegrity)
	}
	if e.OutcomeQuality != nil && (*e.OutcomeQuality < 0 || *e.OutcomeQuality > 1) {
		return fmt.Errorf("%w: outcome_quality %v outside [0,1]", ErrIntegrity, *e.OutcomeQuality)
	}
	if e.Embedding == nil && !e.RequiresEmbedding {
		return fmt.Errorf("%w: missing embedding must set requires_embedding", ErrIntegrity)
	}
	return nil
}

// EmbeddingText is the text embedded for an episode: the canonical forms of
// its perception, reasoning, and action snapshots. The same function serves
// the initial write and the backfill path so both produce the same vector
// for the same episode.
func (e *Episode) EmbeddingText() string {
	var b strings.Builder
	b.Write(e.Perception.Canonical())
	b.WriteByte('\n')
	b.Write(e.Reasoning.Canonical())
	b.WriteByte('\n')
	b.Write(e.Action.Canonical())
	return b.String()
}

// Neighbor is one retrieval result: an episode with its cosine distance
// from the query.
type Neighbor struct {
	Episode  *Episode `json:"episode"`
	Distance float32  `json:"distance"`
}
