package episode

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/memval"
	"github.com/praxisworks/recalld/internal/vectorstore"
)

// Store is the durable episode log. It exclusively owns episode rows; the
// vector index is kept as a mirror of every row that has an embedding.
type Store struct {
	db     *sql.DB
	index  vectorstore.Index
	logger *zap.Logger
}

// NewStore creates a Store over the shared database and vector index.
func NewStore(db *sql.DB, index vectorstore.Index, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, index: index, logger: logger}
}

// Migrate creates the episodes table. The CHECK constraint enforces the
// outcome/quality pairing at the storage layer so no writer, present or
// future, can violate it.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS episodes (
			id                 TEXT PRIMARY KEY,
			subject_id         TEXT NOT NULL,
			occurred_at        TEXT NOT NULL,
			perception         TEXT NOT NULL,
			reasoning          TEXT NOT NULL,
			action             TEXT NOT NULL,
			outcome            TEXT,
			outcome_quality    REAL CHECK (outcome_quality IS NULL OR (outcome_quality >= 0 AND outcome_quality <= 1)),
			embedding          BLOB,
			requires_embedding INTEGER NOT NULL DEFAULT 0,
			agent_version      TEXT NOT NULL DEFAULT '',
			decision_source    TEXT NOT NULL DEFAULT '',
			CHECK ((outcome IS NULL) = (outcome_quality IS NULL)),
			CHECK (embedding IS NOT NULL OR requires_embedding = 1)
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_requires_embedding
			ON episodes (requires_embedding) WHERE requires_embedding = 1;
		CREATE INDEX IF NOT EXISTS idx_episodes_subject ON episodes (subject_id);
		CREATE INDEX IF NOT EXISTS idx_episodes_quality ON episodes (outcome_quality);
	`)
	if err != nil {
		return fmt.Errorf("migrating episodes schema: %w", err)
	}
	return nil
}

// Insert persists a new episode and, when it carries an embedding, mirrors
// it into the vector index.
func (s *Store) Insert(ctx context.Context, e *Episode) error {
	if err := e.Validate(); err != nil {
		return err
	}

	perception, reasoning, action, outcome, err := marshalFields(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, subject_id, occurred_at, perception, reasoning, action,
			outcome, outcome_quality, embedding, requires_embedding, agent_version, decision_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, e.OccurredAt.UTC().Format(time.RFC3339Nano),
		perception, reasoning, action,
		outcome, e.OutcomeQuality, packEmbedding(e.Embedding), boolToInt(e.RequiresEmbedding),
		e.AgentVersion, e.DecisionSource,
	)
	if err != nil {
		return fmt.Errorf("inserting episode %s: %w", e.ID, err)
	}

	if e.Embedding != nil {
		s.mirrorToIndex(ctx, e)
	}
	return nil
}

// Get returns the episode by ID.
func (s *Store) Get(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// ResolveOutcome attaches the outcome pair exactly once. The write is a
// single guarded UPDATE, so readers never observe outcome_quality without
// outcome.
func (s *Store) ResolveOutcome(ctx context.Context, id string, outcome memval.Value, quality float64) error {
	if quality < 0 || quality > 1 {
		return fmt.Errorf("%w: outcome_quality %v outside [0,1]", ErrIntegrity, quality)
	}
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET outcome = ?, outcome_quality = ?
		WHERE id = ? AND outcome IS NULL`,
		string(outcomeJSON), quality, id,
	)
	if err != nil {
		return fmt.Errorf("resolving outcome for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving outcome for %s: %w", id, err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("resolving outcome for %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return nil
}

// AttachEmbedding stores a backfilled embedding and clears the flag. The
// UPDATE is guarded on requires_embedding so concurrent reconciler passes
// cannot double-write; an already-backfilled episode is left unchanged.
func (s *Store) AttachEmbedding(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrIntegrity)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET embedding = ?, requires_embedding = 0
		WHERE id = ? AND requires_embedding = 1`,
		packEmbedding(vector), id,
	)
	if err != nil {
		return fmt.Errorf("attaching embedding to %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attaching embedding to %s: %w", id, err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("attaching embedding to %s: %w", id, err)
		}
		return nil // already embedded
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mirrorToIndex(ctx, e)
	return nil
}

// ListRequiringEmbedding returns a bounded batch of episodes flagged for
// backfill, oldest first.
func (s *Store) ListRequiringEmbedding(ctx context.Context, limit int) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM episodes WHERE requires_embedding = 1
		ORDER BY occurred_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing episodes requiring embedding: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListHighQuality returns resolved episodes at or above minQuality that
// occurred after since, newest first, bounded by limit. This feeds the
// pattern extractor.
func (s *Store) ListHighQuality(ctx context.Context, minQuality float64, since time.Time, limit int) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM episodes
		WHERE outcome_quality IS NOT NULL AND outcome_quality >= ? AND occurred_at > ?
		ORDER BY occurred_at DESC LIMIT ?`,
		minQuality, since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("listing high-quality episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func (s *Store) mirrorToIndex(ctx context.Context, e *Episode) {
	err := s.index.Upsert(ctx, []vectorstore.Point{{
		ID:      e.ID,
		Vector:  e.Embedding,
		Payload: map[string]string{"subject_id": e.SubjectID},
	}})
	if err != nil {
		// The row is durable; the mirror can be rebuilt. Visible, not fatal.
		s.logger.Error("failed to mirror episode into vector index",
			zap.String("episode_id", e.ID),
			zap.Error(err),
		)
	}
}

const selectColumns = `SELECT id, subject_id, occurred_at, perception, reasoning, action,
	outcome, outcome_quality, embedding, requires_embedding, agent_version, decision_source`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var (
		e           Episode
		occurredAt  string
		perception  string
		reasoning   string
		action      string
		outcome     sql.NullString
		quality     sql.NullFloat64
		embedding   []byte
		requiresInt int
	)
	err := row.Scan(&e.ID, &e.SubjectID, &occurredAt, &perception, &reasoning, &action,
		&outcome, &quality, &embedding, &requiresInt, &e.AgentVersion, &e.DecisionSource)
	if err != nil {
		return nil, err
	}

	e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing occurred_at: %w", err)
	}
	if err := json.Unmarshal([]byte(perception), &e.Perception); err != nil {
		return nil, fmt.Errorf("parsing perception: %w", err)
	}
	if err := json.Unmarshal([]byte(reasoning), &e.Reasoning); err != nil {
		return nil, fmt.Errorf("parsing reasoning: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &e.Action); err != nil {
		return nil, fmt.Errorf("parsing action: %w", err)
	}
	if outcome.Valid {
		var v memval.Value
		if err := json.Unmarshal([]byte(outcome.String), &v); err != nil {
			return nil, fmt.Errorf("parsing outcome: %w", err)
		}
		e.Outcome = &v
	}
	if quality.Valid {
		q := quality.Float64
		e.OutcomeQuality = &q
	}
	e.Embedding = unpackEmbedding(embedding)
	e.RequiresEmbedding = requiresInt != 0
	return &e, nil
}

func scanEpisodes(rows *sql.Rows) ([]*Episode, error) {
	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalFields(e *Episode) (perception, reasoning, action string, outcome interface{}, err error) {
	p, err := json.Marshal(e.Perception)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshaling perception: %w", err)
	}
	r, err := json.Marshal(e.Reasoning)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshaling reasoning: %w", err)
	}
	a, err := json.Marshal(e.Action)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshaling action: %w", err)
	}
	var o interface{}
	if e.Outcome != nil {
		ob, err := json.Marshal(*e.Outcome)
		if err != nil {
			return "", "", "", nil, fmt.Errorf("marshaling outcome: %w", err)
		}
		o = string(ob)
	}
	return string(p), string(r), string(a), o, nil
}

// packEmbedding encodes a float32 vector as a little-endian blob.
func packEmbedding(vector []float32) []byte {
	if vector == nil {
		return nil
	}
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func unpackEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
