package strategy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxisworks/recalld/internal/memval"
)

// Repository is the durable strategy store. It exclusively owns strategy and
// application-log rows; confidence and counters are mutated only through the
// guarded operations here.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository creates a Repository over the shared database.
func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// Migrate creates the strategy tables. The application-log CHECK mirrors the
// episode store's outcome pairing rule.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS strategies (
			id                     TEXT PRIMARY KEY,
			lineage_id             TEXT NOT NULL,
			version                INTEGER NOT NULL,
			type                   TEXT NOT NULL,
			applicability          TEXT NOT NULL,
			recommendation         TEXT NOT NULL,
			confidence             REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			supporting_episode_ids TEXT NOT NULL,
			times_applied          INTEGER NOT NULL DEFAULT 0,
			success_count          INTEGER NOT NULL DEFAULT 0,
			failure_count          INTEGER NOT NULL DEFAULT 0,
			is_active              INTEGER NOT NULL DEFAULT 1,
			priority               INTEGER NOT NULL DEFAULT 0,
			deprecated_reason      TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			UNIQUE (lineage_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_strategies_active
			ON strategies (is_active) WHERE is_active = 1;
		CREATE INDEX IF NOT EXISTS idx_strategies_lineage ON strategies (lineage_id);

		CREATE TABLE IF NOT EXISTS strategy_applications (
			id                 TEXT PRIMARY KEY,
			strategy_id        TEXT NOT NULL REFERENCES strategies(id),
			episode_id         TEXT NOT NULL,
			applied_context    TEXT NOT NULL,
			predicted_outcome  TEXT NOT NULL,
			actual_outcome     TEXT,
			outcome_quality    REAL CHECK (outcome_quality IS NULL OR (outcome_quality >= 0 AND outcome_quality <= 1)),
			context_similarity REAL NOT NULL CHECK (context_similarity >= 0 AND context_similarity <= 1),
			performance_delta  REAL,
			applied_at         TEXT NOT NULL,
			resolved_at        TEXT,
			processed_at       TEXT,
			CHECK ((actual_outcome IS NULL) = (outcome_quality IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_applications_strategy
			ON strategy_applications (strategy_id);
		CREATE INDEX IF NOT EXISTS idx_applications_unprocessed
			ON strategy_applications (strategy_id, resolved_at) WHERE processed_at IS NULL;
	`)
	if err != nil {
		return fmt.Errorf("migrating strategies schema: %w", err)
	}
	return nil
}

// Store persists a strategy. A strategy whose lineage is new starts at
// version 1; an existing lineage gets the next version and the prior active
// version is marked superseded. Prior versions are never overwritten.
func (r *Repository) Store(ctx context.Context, s *Strategy) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.LineageID == "" {
		s.LineageID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	applicability, err := json.Marshal(s.Applicability)
	if err != nil {
		return "", fmt.Errorf("marshaling applicability: %w", err)
	}
	recommendation, err := json.Marshal(s.Recommendation)
	if err != nil {
		return "", fmt.Errorf("marshaling recommendation: %w", err)
	}
	evidence, err := json.Marshal(s.SupportingEpisodeIDs)
	if err != nil {
		return "", fmt.Errorf("marshaling supporting episode ids: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("storing strategy: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM strategies WHERE lineage_id = ?`, s.LineageID,
	).Scan(&maxVersion)
	if err != nil {
		return "", fmt.Errorf("reading lineage %s: %w", s.LineageID, err)
	}

	s.Version = 1
	if maxVersion.Valid {
		s.Version = int(maxVersion.Int64) + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE strategies SET is_active = 0, deprecated_reason = 'superseded', updated_at = ?
			WHERE lineage_id = ? AND is_active = 1`,
			now.Format(time.RFC3339Nano), s.LineageID,
		)
		if err != nil {
			return "", fmt.Errorf("superseding lineage %s: %w", s.LineageID, err)
		}
	}

	s.IsActive = true
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (id, lineage_id, version, type, applicability, recommendation,
			confidence, supporting_episode_ids, times_applied, success_count, failure_count,
			is_active, priority, deprecated_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, '', ?, ?)`,
		s.ID, s.LineageID, s.Version, s.Type, string(applicability), string(recommendation),
		s.Confidence, string(evidence), s.TimesApplied, s.SuccessCount, s.FailureCount,
		boolToInt(s.Priority),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("inserting strategy %s: %w", s.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("storing strategy %s: %w", s.ID, err)
	}
	r.logger.Info("strategy stored",
		zap.String("strategy_id", s.ID),
		zap.String("lineage_id", s.LineageID),
		zap.Int("version", s.Version),
		zap.Float64("confidence", s.Confidence),
	)
	return s.ID, nil
}

// Get returns a strategy version by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Strategy, error) {
	row := r.db.QueryRowContext(ctx, strategyColumns+` FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, err
}

// History returns every version of a lineage, oldest first.
func (r *Repository) History(ctx context.Context, lineageID string) ([]*Strategy, error) {
	rows, err := r.db.QueryContext(ctx,
		strategyColumns+` FROM strategies WHERE lineage_id = ? ORDER BY version ASC`, lineageID)
	if err != nil {
		return nil, fmt.Errorf("reading lineage history %s: %w", lineageID, err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// ListActive returns every active strategy, for the optimizer's sweep.
func (r *Repository) ListActive(ctx context.Context) ([]*Strategy, error) {
	rows, err := r.db.QueryContext(ctx,
		strategyColumns+` FROM strategies WHERE is_active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// QueryApplicable returns active strategies whose predicate matches the
// decision context, at or above minConfidence. Ordering is deterministic:
// priority flag, then confidence, then specificity (narrower first), then ID.
func (r *Repository) QueryApplicable(ctx context.Context, decisionCtx memval.Value, minConfidence float64) ([]*Strategy, error) {
	rows, err := r.db.QueryContext(ctx,
		strategyColumns+` FROM strategies WHERE is_active = 1 AND confidence >= ?`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying applicable strategies: %w", err)
	}
	defer rows.Close()

	candidates, err := scanStrategies(rows)
	if err != nil {
		return nil, err
	}

	matched := candidates[:0]
	for _, s := range candidates {
		if s.Applicability.Matches(decisionCtx) {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if sa, sb := a.Applicability.Specificity(), b.Applicability.Specificity(); sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return matched, nil
}

// UpdateConfidence writes a new confidence value, compare-and-set against
// the counter snapshot the caller read. A concurrent counter mutation makes
// the write miss and returns ErrConflict; the caller re-reads and retries.
func (r *Repository) UpdateConfidence(ctx context.Context, id string, confidence float64, snapshot CounterSnapshot) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidStrategy, confidence)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET confidence = ?, updated_at = ?
		WHERE id = ? AND times_applied = ? AND success_count = ? AND failure_count = ?`,
		confidence, time.Now().UTC().Format(time.RFC3339Nano),
		id, snapshot.TimesApplied, snapshot.SuccessCount, snapshot.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("updating confidence for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating confidence for %s: %w", id, err)
	}
	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM strategies WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("updating confidence for %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return nil
}

// RecordResult increments the success or failure counter. Counters only
// grow; the derived success rate is recomputed from them on read.
func (r *Repository) RecordResult(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("recording result for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// ConsumeResults counts a batch of judged application outcomes and stamps
// the logs processed in one transaction. A log already stamped is skipped
// and not counted, so replaying a batch cannot inflate the counters: a pass
// that dies mid-way is either fully absent or fully consumed.
func (r *Repository) ConsumeResults(ctx context.Context, strategyID string, results []ApplicationResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("consuming results for %s: %w", strategyID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	successes, failures := 0, 0
	for _, a := range results {
		res, err := tx.ExecContext(ctx,
			`UPDATE strategy_applications SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
			now, a.LogID,
		)
		if err != nil {
			return fmt.Errorf("marking application %s processed: %w", a.LogID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("marking application %s processed: %w", a.LogID, err)
		}
		if n == 0 {
			// Already consumed by an earlier pass.
			continue
		}
		if a.Success {
			successes++
		} else {
			failures++
		}
	}

	if successes+failures > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE strategies
			SET success_count = success_count + ?, failure_count = failure_count + ?, updated_at = ?
			WHERE id = ?`,
			successes, failures, now, strategyID,
		)
		if err != nil {
			return fmt.Errorf("recording results for %s: %w", strategyID, err)
		}
		if err := requireRow(res, strategyID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Deprecate deactivates a strategy. Idempotent: deprecating an already
// inactive strategy is a no-op, and the original reason is kept.
func (r *Repository) Deprecate(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET is_active = 0, deprecated_reason = ?, updated_at = ?
		WHERE id = ? AND is_active = 1`,
		reason, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("deprecating %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deprecating %s: %w", id, err)
	}
	if affected == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM strategies WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("deprecating %s: %w", id, err)
		}
		return nil // already inactive
	}
	r.logger.Info("strategy deprecated", zap.String("strategy_id", id), zap.String("reason", reason))
	return nil
}

// SetPriority flips the priority ranking flag.
func (r *Repository) SetPriority(ctx context.Context, id string, priority bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET priority = ?, updated_at = ? WHERE id = ?`,
		boolToInt(priority), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("setting priority for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// LogApplication records that a strategy was applied in an episode, and
// bumps times_applied in the same transaction.
func (r *Repository) LogApplication(ctx context.Context, strategyID, episodeID string, appliedCtx, predicted memval.Value, similarity float64) (string, error) {
	if similarity < 0 || similarity > 1 {
		return "", fmt.Errorf("%w: context_similarity %v outside [0,1]", ErrInvalidStrategy, similarity)
	}
	contextJSON, err := json.Marshal(appliedCtx)
	if err != nil {
		return "", fmt.Errorf("marshaling applied context: %w", err)
	}
	predictedJSON, err := json.Marshal(predicted)
	if err != nil {
		return "", fmt.Errorf("marshaling predicted outcome: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("logging application: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE strategies SET times_applied = times_applied + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), strategyID,
	)
	if err != nil {
		return "", fmt.Errorf("counting application for %s: %w", strategyID, err)
	}
	if err := requireRow(res, strategyID); err != nil {
		return "", err
	}

	logID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_applications (id, strategy_id, episode_id, applied_context,
			predicted_outcome, context_similarity, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		logID, strategyID, episodeID, string(contextJSON), string(predictedJSON),
		similarity, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("inserting application log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("logging application: %w", err)
	}
	return logID, nil
}

// ResolveApplication records the actual outcome exactly once. When the
// prediction carried a numeric "expected_quality", the performance delta is
// computed against it.
func (r *Repository) ResolveApplication(ctx context.Context, logID string, actual memval.Value, quality float64) error {
	if quality < 0 || quality > 1 {
		return fmt.Errorf("%w: outcome_quality %v outside [0,1]", ErrInvalidStrategy, quality)
	}
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		return fmt.Errorf("marshaling actual outcome: %w", err)
	}

	var predictedJSON string
	err = r.db.QueryRowContext(ctx,
		`SELECT predicted_outcome FROM strategy_applications WHERE id = ?`, logID,
	).Scan(&predictedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: application %s", ErrNotFound, logID)
	}
	if err != nil {
		return fmt.Errorf("resolving application %s: %w", logID, err)
	}

	var delta interface{}
	var predicted memval.Value
	if err := json.Unmarshal([]byte(predictedJSON), &predicted); err == nil {
		if expected, ok := predicted.GetFloat("expected_quality"); ok {
			delta = quality - expected
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE strategy_applications
		SET actual_outcome = ?, outcome_quality = ?, performance_delta = ?, resolved_at = ?
		WHERE id = ? AND actual_outcome IS NULL`,
		string(actualJSON), quality, delta, time.Now().UTC().Format(time.RFC3339Nano), logID,
	)
	if err != nil {
		return fmt.Errorf("resolving application %s: %w", logID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving application %s: %w", logID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: application %s", ErrAlreadyResolved, logID)
	}
	return nil
}

// UnprocessedApplications returns resolved application logs the optimizer
// has not consumed yet, resolved after since, oldest first.
func (r *Repository) UnprocessedApplications(ctx context.Context, strategyID string, since time.Time) ([]*ApplicationLog, error) {
	rows, err := r.db.QueryContext(ctx, applicationColumns+`
		FROM strategy_applications
		WHERE strategy_id = ? AND actual_outcome IS NOT NULL
			AND processed_at IS NULL AND resolved_at > ?
		ORDER BY resolved_at ASC`,
		strategyID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed applications for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []*ApplicationLog
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetApplication returns one application log by ID.
func (r *Repository) GetApplication(ctx context.Context, logID string) (*ApplicationLog, error) {
	row := r.db.QueryRowContext(ctx, applicationColumns+` FROM strategy_applications WHERE id = ?`, logID)
	a, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, logID)
	}
	return a, err
}

const strategyColumns = `SELECT id, lineage_id, version, type, applicability, recommendation,
	confidence, supporting_episode_ids, times_applied, success_count, failure_count,
	is_active, priority, deprecated_reason, created_at, updated_at`

const applicationColumns = `SELECT id, strategy_id, episode_id, applied_context, predicted_outcome,
	actual_outcome, outcome_quality, context_similarity, performance_delta,
	applied_at, resolved_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*Strategy, error) {
	var (
		s             Strategy
		applicability string
		recomm        string
		evidence      string
		activeInt     int
		priorityInt   int
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&s.ID, &s.LineageID, &s.Version, &s.Type, &applicability, &recomm,
		&s.Confidence, &evidence, &s.TimesApplied, &s.SuccessCount, &s.FailureCount,
		&activeInt, &priorityInt, &s.DeprecatedReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(applicability), &s.Applicability); err != nil {
		return nil, fmt.Errorf("parsing applicability: %w", err)
	}
	if err := json.Unmarshal([]byte(recomm), &s.Recommendation); err != nil {
		return nil, fmt.Errorf("parsing recommendation: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &s.SupportingEpisodeIDs); err != nil {
		return nil, fmt.Errorf("parsing supporting episode ids: %w", err)
	}
	s.IsActive = activeInt != 0
	s.Priority = priorityInt != 0
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &s, nil
}

func scanStrategies(rows *sql.Rows) ([]*Strategy, error) {
	var out []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanApplication(row rowScanner) (*ApplicationLog, error) {
	var (
		a           ApplicationLog
		appliedCtx  string
		predicted   string
		actual      sql.NullString
		quality     sql.NullFloat64
		delta       sql.NullFloat64
		appliedAt   string
		resolvedAt  sql.NullString
		processedAt sql.NullString
	)
	err := row.Scan(&a.ID, &a.StrategyID, &a.EpisodeID, &appliedCtx, &predicted,
		&actual, &quality, &a.ContextSimilarity, &delta,
		&appliedAt, &resolvedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(appliedCtx), &a.AppliedContext); err != nil {
		return nil, fmt.Errorf("parsing applied context: %w", err)
	}
	if err := json.Unmarshal([]byte(predicted), &a.PredictedOutcome); err != nil {
		return nil, fmt.Errorf("parsing predicted outcome: %w", err)
	}
	if actual.Valid {
		var v memval.Value
		if err := json.Unmarshal([]byte(actual.String), &v); err != nil {
			return nil, fmt.Errorf("parsing actual outcome: %w", err)
		}
		a.ActualOutcome = &v
	}
	if quality.Valid {
		q := quality.Float64
		a.OutcomeQuality = &q
	}
	if delta.Valid {
		d := delta.Float64
		a.PerformanceDelta = &d
	}
	if a.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
		return nil, fmt.Errorf("parsing applied_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		a.ResolvedAt = &t
	}
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing processed_at: %w", err)
		}
		a.ProcessedAt = &t
	}
	return &a, nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
