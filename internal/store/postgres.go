package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the sole Store implementation used in production. It
// owns a bounded *sql.DB pool; callers share one instance across the
// lifetime of the process.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to dsn and configures the pool per the lifecycle budget
// (§4.8: at most 20 connections).
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying pool for migrations.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// --- Ingest path -----------------------------------------------------

// WriteTraceBatch applies traces and observations from one micro-batch
// inside a single transaction (§4.2, §5): both sets commit together or
// neither does, so a crash between the two upserts can never leave a
// batch half-applied.
func (s *PostgresStore) WriteTraceBatch(ctx context.Context, traces []*Trace, observations []*Observation) error {
	if len(traces) == 0 && len(observations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(traces) > 0 {
		stmt, err := tx.PrepareContext(ctx, upsertTraceSQL)
		if err != nil {
			return fmt.Errorf("prepare upsert traces: %w", err)
		}
		for _, t := range traces {
			if err := execUpsertTrace(ctx, stmt, t); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("upsert trace %s: %w", t.ID, err)
			}
		}
		_ = stmt.Close()
	}

	if len(observations) > 0 {
		if err := execUpsertObservations(ctx, tx, observations); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace batch tx: %w", err)
	}
	return nil
}

const upsertTraceSQL = `
INSERT INTO traces (
	id, project_id, timestamp, name, user_id, session_id, release, version,
	tags, metadata, input, output, public, external_id, bookmarked,
	environment, latency_s, total_cost, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19
)
ON CONFLICT (id) DO UPDATE SET
	project_id  = EXCLUDED.project_id,
	timestamp   = EXCLUDED.timestamp,
	name        = COALESCE(EXCLUDED.name, traces.name),
	user_id     = COALESCE(EXCLUDED.user_id, traces.user_id),
	session_id  = COALESCE(EXCLUDED.session_id, traces.session_id),
	release     = COALESCE(EXCLUDED.release, traces.release),
	version     = COALESCE(EXCLUDED.version, traces.version),
	tags        = COALESCE(EXCLUDED.tags, traces.tags),
	metadata    = COALESCE(EXCLUDED.metadata, traces.metadata),
	input       = COALESCE(EXCLUDED.input, traces.input),
	output      = COALESCE(EXCLUDED.output, traces.output),
	public      = COALESCE(EXCLUDED.public, traces.public),
	external_id = COALESCE(EXCLUDED.external_id, traces.external_id),
	bookmarked  = COALESCE(EXCLUDED.bookmarked, traces.bookmarked),
	environment = COALESCE(EXCLUDED.environment, traces.environment),
	latency_s   = COALESCE(EXCLUDED.latency_s, traces.latency_s),
	total_cost  = COALESCE(EXCLUDED.total_cost, traces.total_cost),
	updated_at  = EXCLUDED.updated_at
`

func execUpsertTrace(ctx context.Context, stmt *sql.Stmt, t *Trace) error {
	now := t.UpdatedAt
	if now.IsZero() {
		now = t.Timestamp
	}
	_, err := stmt.ExecContext(ctx,
		t.ID, t.ProjectID, t.Timestamp, t.Name, t.UserID, t.SessionID, t.Release, t.Version,
		tagsToArray(t.Tags), nullJSON(t.Metadata), nullJSON(t.Input), nullJSON(t.Output),
		t.Public, t.ExternalID, t.Bookmarked, t.Environment, t.LatencyS, t.TotalCost, now,
	)
	return err
}

// execUpsertObservations runs the observation upserts (with parent-first
// placeholder-trace resilience) against an already-open transaction; it
// never begins or commits one itself so WriteTraceBatch can fold it into
// the same transaction as the trace upserts.
func execUpsertObservations(ctx context.Context, tx *sql.Tx, observations []*Observation) error {
	stmt, err := tx.PrepareContext(ctx, upsertObservationSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert observations: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	placeholderStmt, err := tx.PrepareContext(ctx, upsertTraceSQL)
	if err != nil {
		return fmt.Errorf("prepare placeholder trace upsert: %w", err)
	}
	defer func() { _ = placeholderStmt.Close() }()

	for _, o := range observations {
		// A failed statement aborts the whole transaction until it is rolled
		// back to a savepoint, so each observation upsert gets one.
		if _, err := tx.ExecContext(ctx, "SAVEPOINT observation_upsert"); err != nil {
			return fmt.Errorf("savepoint before observation %s: %w", o.ID, err)
		}
		if err := execUpsertObservation(ctx, stmt, o); err != nil {
			if !isForeignKeyViolation(err) {
				return fmt.Errorf("upsert observation %s: %w", o.ID, err)
			}
			// Parent-first resilience (§4.2, §9): the trace row does not
			// exist yet. Roll back to the savepoint, insert a placeholder
			// and retry once.
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT observation_upsert"); err != nil {
				return fmt.Errorf("rollback to savepoint for observation %s: %w", o.ID, err)
			}
			placeholder := PlaceholderTrace(o.ProjectID, o.TraceID, time.Now().UTC())
			if err := execUpsertTrace(ctx, placeholderStmt, placeholder); err != nil {
				return fmt.Errorf("insert placeholder trace %s: %w", o.TraceID, err)
			}
			if err := execUpsertObservation(ctx, stmt, o); err != nil {
				return fmt.Errorf("retry upsert observation %s: %w", o.ID, err)
			}
		}
	}
	return nil
}

const upsertObservationSQL = `
INSERT INTO observations (
	id, trace_id, type, name, start_time, end_time, completion_start_time, model,
	model_parameters, input, output,
	usage_input, usage_output, usage_total, usage_unit,
	level, status_message, parent_observation_id,
	prompt_name, prompt_version,
	input_cost, output_cost, total_cost, latency_s, time_to_first_token_s,
	metadata, project_id, environment, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$29
)
ON CONFLICT (id) DO UPDATE SET
	trace_id               = EXCLUDED.trace_id,
	type                   = COALESCE(EXCLUDED.type, observations.type),
	name                   = COALESCE(EXCLUDED.name, observations.name),
	start_time             = EXCLUDED.start_time,
	end_time               = COALESCE(EXCLUDED.end_time, observations.end_time),
	completion_start_time  = COALESCE(EXCLUDED.completion_start_time, observations.completion_start_time),
	model                  = COALESCE(EXCLUDED.model, observations.model),
	model_parameters       = COALESCE(EXCLUDED.model_parameters, observations.model_parameters),
	input                  = COALESCE(EXCLUDED.input, observations.input),
	output                 = COALESCE(EXCLUDED.output, observations.output),
	usage_input            = COALESCE(EXCLUDED.usage_input, observations.usage_input),
	usage_output           = COALESCE(EXCLUDED.usage_output, observations.usage_output),
	usage_total            = COALESCE(EXCLUDED.usage_total, observations.usage_total),
	usage_unit             = COALESCE(EXCLUDED.usage_unit, observations.usage_unit),
	level                  = COALESCE(EXCLUDED.level, observations.level),
	status_message         = COALESCE(EXCLUDED.status_message, observations.status_message),
	parent_observation_id  = COALESCE(EXCLUDED.parent_observation_id, observations.parent_observation_id),
	prompt_name            = COALESCE(EXCLUDED.prompt_name, observations.prompt_name),
	prompt_version         = COALESCE(EXCLUDED.prompt_version, observations.prompt_version),
	input_cost             = COALESCE(EXCLUDED.input_cost, observations.input_cost),
	output_cost            = COALESCE(EXCLUDED.output_cost, observations.output_cost),
	total_cost             = COALESCE(EXCLUDED.total_cost, observations.total_cost),
	latency_s              = COALESCE(EXCLUDED.latency_s, observations.latency_s),
	time_to_first_token_s  = COALESCE(EXCLUDED.time_to_first_token_s, observations.time_to_first_token_s),
	metadata               = COALESCE(EXCLUDED.metadata, observations.metadata),
	project_id             = EXCLUDED.project_id,
	environment            = COALESCE(EXCLUDED.environment, observations.environment),
	updated_at             = EXCLUDED.updated_at
`

func execUpsertObservation(ctx context.Context, stmt *sql.Stmt, o *Observation) error {
	now := o.UpdatedAt
	if now.IsZero() {
		now = o.StartTime
	}
	var usageInput, usageOutput, usageTotal *int64
	var usageUnit *string
	if o.Usage != nil {
		usageInput = &o.Usage.Input
		usageOutput = &o.Usage.Output
		usageTotal = &o.Usage.Total
		usageUnit = &o.Usage.Unit
	}
	_, err := stmt.ExecContext(ctx,
		o.ID, o.TraceID, o.Type, o.Name, o.StartTime, o.EndTime, o.CompletionStartTime, o.Model,
		nullJSON(o.ModelParameters), nullJSON(o.Input), nullJSON(o.Output),
		usageInput, usageOutput, usageTotal, usageUnit,
		o.Level, o.StatusMessage, o.ParentObservationID,
		o.PromptName, o.PromptVersion,
		o.InputCost, o.OutputCost, o.TotalCost, o.LatencyS, o.TimeToFirstTokenS,
		nullJSON(o.Metadata), o.ProjectID, o.Environment, now,
	)
	return err
}

func (s *PostgresStore) InsertMetricPoints(ctx context.Context, points []*MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert metrics tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics (project_id, environment, name, labels, value, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert metrics: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, p := range points {
		labels, err := json.Marshal(p.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels for metric %s: %w", p.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ProjectID, p.Environment, p.Name, labels, p.Value, p.Timestamp, now); err != nil {
			return fmt.Errorf("insert metric %s: %w", p.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert metrics tx: %w", err)
	}
	return nil
}

// --- Query path: traces ------------------------------------------------

func (s *PostgresStore) GetTrace(ctx context.Context, projectID, id string) (*Trace, []*Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, timestamp, name, user_id, session_id, release, version,
			tags, metadata, input, output, public, external_id, bookmarked,
			environment, latency_s, total_cost, created_at, updated_at
		FROM traces WHERE id = $1 AND project_id = $2
	`, id, projectID)

	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get trace %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, type, name, start_time, end_time, completion_start_time, model,
			model_parameters, input, output, usage_input, usage_output, usage_total, usage_unit,
			level, status_message, parent_observation_id, prompt_name, prompt_version,
			input_cost, output_cost, total_cost, latency_s, time_to_first_token_s,
			metadata, project_id, environment, created_at, updated_at
		FROM observations WHERE trace_id = $1
		ORDER BY start_time ASC
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list observations for trace %s: %w", id, err)
	}
	defer rows.Close()

	var observations []*Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan observation for trace %s: %w", id, err)
		}
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list observations for trace %s: %w", id, err)
	}

	return t, observations, nil
}

var traceSortWhitelist = map[string]string{
	"timestamp.asc":   "timestamp ASC",
	"timestamp.desc":  "timestamp DESC",
	"latency.asc":     "latency_s ASC",
	"latency.desc":    "latency_s DESC",
	"totalCost.asc":   "total_cost ASC",
	"totalCost.desc":  "total_cost DESC",
}

func (s *PostgresStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceListResult, error) {
	orderBy := "timestamp DESC"
	if filter.OrderBy != "" {
		sql, ok := traceSortWhitelist[filter.OrderBy]
		if !ok {
			return nil, ErrInvalidSort
		}
		orderBy = sql
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	where := newWhereBuilder()
	where.eq("project_id", filter.ProjectID)
	where.eqIfSet("user_id", filter.UserID)
	where.eqIfSet("name", filter.Name)
	where.eqIfSet("session_id", filter.SessionID)
	where.eqIfSet("release", filter.Release)
	where.eqIfSet("version", filter.Version)
	if !filter.FromTimestamp.IsZero() {
		where.cond(fmt.Sprintf("timestamp >= %s", where.arg(filter.FromTimestamp)))
	}
	if !filter.ToTimestamp.IsZero() {
		where.cond(fmt.Sprintf("timestamp <= %s", where.arg(filter.ToTimestamp)))
	}
	if len(filter.Tags) > 0 {
		where.cond(fmt.Sprintf("tags @> %s", where.arg(tagsToArray(filter.Tags))))
	}
	if len(filter.Environment) > 0 {
		where.cond(fmt.Sprintf("environment = ANY(%s)", where.arg(pqStringArray(filter.Environment))))
	}

	countSQL := "SELECT count(*) FROM traces WHERE " + where.sql()
	var total int64
	if err := s.db.QueryRowContext(ctx, countSQL, where.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}

	offset := (page - 1) * limit
	listArgs := append(append([]any{}, where.args...), limit, offset)
	listSQL := fmt.Sprintf(`
		SELECT id, project_id, timestamp, name, user_id, session_id, release, version,
			tags, metadata, input, output, public, external_id, bookmarked,
			environment, latency_s, total_cost, created_at, updated_at
		FROM traces WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, where.sql(), orderBy, len(where.args)+1, len(where.args)+2)

	rows, err := s.db.QueryContext(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var items []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}

	totalPages := int64(0)
	if total > 0 {
		totalPages = (total + int64(limit) - 1) / int64(limit)
	}

	return &TraceListResult{
		Items:      items,
		Page:       page,
		Limit:      limit,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

const dailyRollupDateLayout = "2006-01-02"

// GetDailyRollup aggregates traces and observations per UTC calendar day
// (§4.5), returning a page of days ordered most-recent-first. Per-day
// counts/cost and per-day-per-model usage are each computed with one
// query grouped over the whole filtered window, then paginated in Go —
// the same division of labor QueryMetrics uses for bucketing (day
// grouping is driven by trace existence, so the day set is small enough
// that this costs nothing a SQL-side OFFSET wouldn't also pay).
func (s *PostgresStore) GetDailyRollup(ctx context.Context, filter DailyRollupFilter) (*DailyRollupResult, error) {
	where := newWhereBuilder()
	where.eq("t.project_id", filter.ProjectID)
	where.eqIfSet("t.name", filter.TraceName)
	where.eqIfSet("t.user_id", filter.UserID)
	where.eqIfSet("t.release", filter.Release)
	where.eqIfSet("t.version", filter.Version)
	if !filter.FromTimestamp.IsZero() {
		where.cond(fmt.Sprintf("t.timestamp >= %s", where.arg(filter.FromTimestamp)))
	}
	if !filter.ToTimestamp.IsZero() {
		where.cond(fmt.Sprintf("t.timestamp <= %s", where.arg(filter.ToTimestamp)))
	}
	if len(filter.Tags) > 0 {
		where.cond(fmt.Sprintf("t.tags @> %s", where.arg(tagsToArray(filter.Tags))))
	}

	traceDaysSQL := fmt.Sprintf(`
		SELECT date_trunc('day', t.timestamp)::date, count(*), COALESCE(sum(t.total_cost), 0)
		FROM traces t
		WHERE %s
		GROUP BY 1
		ORDER BY 1 DESC
	`, where.sql())
	rows, err := s.db.QueryContext(ctx, traceDaysSQL, where.args...)
	if err != nil {
		return nil, fmt.Errorf("daily rollup trace totals: %w", err)
	}
	var days []time.Time
	traceByDay := map[int64]struct {
		countTraces int64
		totalCost   float64
	}{}
	for rows.Next() {
		var day time.Time
		var countTraces int64
		var totalCost float64
		if err := rows.Scan(&day, &countTraces, &totalCost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan daily rollup trace totals: %w", err)
		}
		days = append(days, day)
		traceByDay[day.Unix()] = struct {
			countTraces int64
			totalCost   float64
		}{countTraces, totalCost}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("daily rollup trace totals: %w", err)
	}
	rows.Close()

	obsDaysSQL := fmt.Sprintf(`
		SELECT date_trunc('day', t.timestamp)::date, count(o.id)
		FROM traces t
		JOIN observations o ON o.trace_id = t.id
		WHERE %s
		GROUP BY 1
	`, where.sql())
	obsRows, err := s.db.QueryContext(ctx, obsDaysSQL, where.args...)
	if err != nil {
		return nil, fmt.Errorf("daily rollup observation totals: %w", err)
	}
	obsByDay := map[int64]int64{}
	for obsRows.Next() {
		var day time.Time
		var countObservations int64
		if err := obsRows.Scan(&day, &countObservations); err != nil {
			obsRows.Close()
			return nil, fmt.Errorf("scan daily rollup observation totals: %w", err)
		}
		obsByDay[day.Unix()] = countObservations
	}
	if err := obsRows.Err(); err != nil {
		obsRows.Close()
		return nil, fmt.Errorf("daily rollup observation totals: %w", err)
	}
	obsRows.Close()

	modelSQL := fmt.Sprintf(`
		SELECT date_trunc('day', t.timestamp)::date, COALESCE(o.model, ''),
			COALESCE(sum(o.usage_input), 0), COALESCE(sum(o.usage_output), 0), COALESCE(sum(o.usage_total), 0),
			count(DISTINCT t.id), count(o.id), COALESCE(sum(o.total_cost), 0)
		FROM traces t
		JOIN observations o ON o.trace_id = t.id
		WHERE %s AND o.model IS NOT NULL
		GROUP BY 1, o.model
		ORDER BY 1 DESC, o.model
	`, where.sql())
	modelRows, err := s.db.QueryContext(ctx, modelSQL, where.args...)
	if err != nil {
		return nil, fmt.Errorf("daily rollup by model: %w", err)
	}
	modelByDay := map[int64][]ModelUsage{}
	for modelRows.Next() {
		var day time.Time
		var m ModelUsage
		if err := modelRows.Scan(&day, &m.Model, &m.InputUsage, &m.OutputUsage, &m.TotalUsage, &m.CountTraces, &m.CountObservations, &m.TotalCost); err != nil {
			modelRows.Close()
			return nil, fmt.Errorf("scan daily rollup by model: %w", err)
		}
		modelByDay[day.Unix()] = append(modelByDay[day.Unix()], m)
	}
	if err := modelRows.Err(); err != nil {
		modelRows.Close()
		return nil, fmt.Errorf("daily rollup by model: %w", err)
	}
	modelRows.Close()

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	totalItems := int64(len(days))
	totalPages := int64(0)
	if totalItems > 0 {
		totalPages = (totalItems + int64(limit) - 1) / int64(limit)
	}

	offset := (page - 1) * limit
	var pageDays []time.Time
	if offset < len(days) {
		end := offset + limit
		if end > len(days) {
			end = len(days)
		}
		pageDays = days[offset:end]
	}

	items := make([]DailyRollupItem, 0, len(pageDays))
	for _, day := range pageDays {
		totals := traceByDay[day.Unix()]
		items = append(items, DailyRollupItem{
			Date:              day.Format(dailyRollupDateLayout),
			CountTraces:       totals.countTraces,
			CountObservations: obsByDay[day.Unix()],
			TotalCost:         totals.totalCost,
			ByModel:           modelByDay[day.Unix()],
		})
	}

	return &DailyRollupResult{
		Items:      items,
		Page:       page,
		Limit:      limit,
		TotalItems: totalItems,
		TotalPages: totalPages,
	}, nil
}

// --- Query path: metrics (C4) ------------------------------------------

func (s *PostgresStore) QueryMetricNames(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT name FROM metrics WHERE project_id = $1 ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query metric names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan metric name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const (
	maxMetricSeries = 50
	maxMetricPoints = 1000
)

var validSteps = map[int64]bool{60: true, 300: true, 3600: true, 86400: true}

func (s *PostgresStore) QueryMetrics(ctx context.Context, q MetricQuery) (*MetricQueryResult, error) {
	if !validSteps[q.StepS] {
		return nil, fmt.Errorf("invalid step %ds", q.StepS)
	}

	where := newWhereBuilder()
	where.eq("project_id", q.ProjectID)
	where.eq("name", q.Name)
	where.cond(fmt.Sprintf("timestamp >= %s", where.arg(q.From)))
	where.cond(fmt.Sprintf("timestamp <= %s", where.arg(q.To)))
	if len(q.Labels) > 0 {
		labelsJSON, err := json.Marshal(q.Labels)
		if err != nil {
			return nil, fmt.Errorf("marshal label filter: %w", err)
		}
		where.cond(fmt.Sprintf("labels @> %s", where.arg(string(labelsJSON))))
	}

	// Fetch raw rows ordered by timestamp; bucketing/grouping/percentiles
	// are applied in Go below the fold since group_by collapses an
	// arbitrary label key that cannot be whitelisted into a SQL GROUP BY
	// expression ahead of time.
	querySQL := fmt.Sprintf(`
		SELECT labels, value, timestamp
		FROM metrics
		WHERE %s
		ORDER BY timestamp ASC, id ASC
	`, where.sql())
	rows, err := s.db.QueryContext(ctx, querySQL, where.args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var raw []rawMetricPoint
	for rows.Next() {
		var labelsJSON []byte
		var p rawMetricPoint
		if err := rows.Scan(&labelsJSON, &p.value, &p.timestamp); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		if len(labelsJSON) > 0 {
			if err := json.Unmarshal(labelsJSON, &p.labels); err != nil {
				return nil, fmt.Errorf("unmarshal metric labels: %w", err)
			}
		}
		raw = append(raw, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}

	return bucketAndAggregate(raw, q), nil
}

type rawMetricPoint struct {
	labels    map[string]string
	value     float64
	timestamp time.Time
}

func seriesKey(labels map[string]string, groupBy string) string {
	if groupBy == "" {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(labels[k])
			b.WriteByte(';')
		}
		return b.String()
	}
	v, ok := labels[groupBy]
	if !ok {
		return "\x00absent\x00"
	}
	return groupBy + "=" + v
}

func seriesLabels(labels map[string]string, groupBy string) map[string]string {
	if groupBy == "" {
		return labels
	}
	v, ok := labels[groupBy]
	if !ok {
		return map[string]string{}
	}
	return map[string]string{groupBy: v}
}

// bucketAndAggregate collapses raw points into (series, time bucket)
// groups and reduces each group per q.Agg. Bucketing and group_by
// collapsing happen here rather than in SQL because group_by names an
// arbitrary label key chosen per-request, which cannot be expressed as
// a static GROUP BY clause ahead of time (§6 metrics query semantics).
func bucketAndAggregate(raw []rawMetricPoint, q MetricQuery) *MetricQueryResult {
	type group struct {
		labels  map[string]string
		buckets map[int64][]float64
		order   []int64
	}
	groups := make(map[string]*group)
	var seriesOrder []string

	for _, p := range raw {
		key := seriesKey(p.labels, q.GroupBy)
		g, ok := groups[key]
		if !ok {
			g = &group{labels: seriesLabels(p.labels, q.GroupBy), buckets: make(map[int64][]float64)}
			groups[key] = g
			seriesOrder = append(seriesOrder, key)
		}
		b := bucketStart(p.timestamp, q.StepS)
		if _, seen := g.buckets[b]; !seen {
			g.order = append(g.order, b)
		}
		g.buckets[b] = append(g.buckets[b], p.value)
	}

	sort.Strings(seriesOrder)

	result := &MetricQueryResult{}
	var latest *time.Time
	truncatedSeries := len(seriesOrder) > maxMetricSeries
	if truncatedSeries {
		seriesOrder = seriesOrder[:maxMetricSeries]
	}

	for _, key := range seriesOrder {
		g := groups[key]
		sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })

		buckets := g.order
		truncatedPoints := len(buckets) > maxMetricPoints
		if truncatedPoints {
			buckets = buckets[len(buckets)-maxMetricPoints:]
			result.Truncated = true
		}

		series := MetricSeries{Labels: g.labels}
		for _, b := range buckets {
			v := aggregate(g.buckets[b], q.Agg)
			ts := time.Unix(b, 0).UTC()
			series.Points = append(series.Points, MetricPointOut{Timestamp: ts, Value: v})
			if latest == nil || ts.After(*latest) {
				latest = &ts
			}
		}
		result.Series = append(result.Series, series)
	}

	if truncatedSeries {
		result.Truncated = true
	}
	result.SeriesCount = len(result.Series)
	result.LatestTS = latest
	return result
}

func aggregate(values []float64, agg string) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case "count":
		return float64(len(values))
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "avg", "":
		return sumFloats(values) / float64(len(values))
	case "last":
		// values are appended in timestamp-ascending order, so the last
		// element is the row with the largest timestamp in the bucket,
		// ties broken by insertion order.
		return values[len(values)-1]
	case "p50", "p90", "p95", "p99":
		return percentile(values, percentileRank(agg))
	case "sum":
		return sumFloats(values)
	default:
		return sumFloats(values)
	}
}

func percentileRank(agg string) float64 {
	switch agg {
	case "p50":
		return 0.50
	case "p90":
		return 0.90
	case "p95":
		return 0.95
	case "p99":
		return 0.99
	default:
		return 0.50
	}
}

// percentile interpolates linearly between the two closest ranks, the
// same definition Postgres' percentile_cont uses. Metric percentiles are
// computed only here, in Go.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func sumFloats(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func bucketStart(ts time.Time, stepS int64) int64 {
	epoch := ts.Unix()
	return (epoch / stepS) * stepS
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func tagsToArray(tags []string) any {
	if tags == nil {
		return nil
	}
	return pqStringArray(tags)
}

// pqStringArray renders a Go string slice as a Postgres text[] literal
// understood by pgx's array codec without importing lib/pq.
func pqStringArray(values []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*Trace, error) {
	var t Trace
	var tags sql.NullString
	var metadata, input, output []byte
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Timestamp, &t.Name, &t.UserID, &t.SessionID, &t.Release, &t.Version,
		&tags, &metadata, &input, &output, &t.Public, &t.ExternalID, &t.Bookmarked,
		&t.Environment, &t.LatencyS, &t.TotalCost, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Tags = parsePGArray(tags.String)
	t.Metadata = metadata
	t.Input = input
	t.Output = output
	return &t, nil
}

func scanObservation(row scanner) (*Observation, error) {
	var o Observation
	var modelParameters, input, output, metadata []byte
	var usageInput, usageOutput, usageTotal sql.NullInt64
	var usageUnit sql.NullString
	if err := row.Scan(
		&o.ID, &o.TraceID, &o.Type, &o.Name, &o.StartTime, &o.EndTime, &o.CompletionStartTime, &o.Model,
		&modelParameters, &input, &output, &usageInput, &usageOutput, &usageTotal, &usageUnit,
		&o.Level, &o.StatusMessage, &o.ParentObservationID, &o.PromptName, &o.PromptVersion,
		&o.InputCost, &o.OutputCost, &o.TotalCost, &o.LatencyS, &o.TimeToFirstTokenS,
		&metadata, &o.ProjectID, &o.Environment, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.ModelParameters = modelParameters
	o.Input = input
	o.Output = output
	o.Metadata = metadata
	if usageInput.Valid || usageOutput.Valid || usageTotal.Valid {
		o.Usage = &Usage{Input: usageInput.Int64, Output: usageOutput.Int64, Total: usageTotal.Int64, Unit: usageUnit.String}
	}
	return &o, nil
}

// parsePGArray parses the minimal subset of the Postgres text[] literal
// format emitted for simple string arrays (no embedded commas/braces
// beyond what pqStringArray escapes).
func parsePGArray(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil
	}
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	var out []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	for _, r := range raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, cur.String())
	return out
}

// --- dynamic WHERE builder, grounded on postgresWhereBuilder ------------

type whereBuilder struct {
	conds []string
	args  []any
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{}
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *whereBuilder) cond(c string) {
	w.conds = append(w.conds, c)
}

func (w *whereBuilder) eq(col string, v any) {
	w.cond(col + " = " + w.arg(v))
}

func (w *whereBuilder) eqIfSet(col, v string) {
	if strings.TrimSpace(v) == "" {
		return
	}
	w.eq(col, v)
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return "1=1"
	}
	return strings.Join(w.conds, " AND ")
}
