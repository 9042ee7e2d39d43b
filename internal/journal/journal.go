// Package journal persists the history of each sequencer run to sqlite: the
// run itself, every state transition, every gateway call and the detection.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/conveyor/internal/sequencer"
)

var ErrRunNotFound = errors.New("run not found")

// Journal is a sqlite-backed sequencer.Recorder.
type Journal struct {
	*sql.DB
	path string
}

var _ sequencer.Recorder = (*Journal)(nil)

// pragmas are passed in the DSN so that every pooled connection gets them.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + q.Encode()
}

// Open opens (creating if needed) the journal at path and migrates it to the
// current schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &Journal{DB: db, path: path}
	if err := j.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the file the journal was opened from.
func (j *Journal) Path() string { return j.path }

func ns(t time.Time) int64 { return t.UnixNano() }

func fromNS(v int64) time.Time { return time.Unix(0, v) }

func (j *Journal) StartRun(ctx context.Context, runID string, started time.Time, cfg sequencer.Config) error {
	_, err := j.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_ns, shipment_id, conveyor_power, settle_hold_ms, arrival_hold_ms, detection_timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, ns(started), cfg.ShipmentID, cfg.ConveyorPower,
		cfg.SettleHold.Milliseconds(), cfg.ArrivalHold.Milliseconds(), cfg.DetectionTimeout.Milliseconds(),
	)
	return err
}

func (j *Journal) RecordTransition(ctx context.Context, runID string, t sequencer.Transition) error {
	_, err := j.ExecContext(ctx,
		`INSERT INTO transitions (run_id, from_state, to_state, at_ns, note) VALUES (?, ?, ?, ?, ?)`,
		runID, string(t.From), string(t.To), ns(t.At), t.Note)
	return err
}

func (j *Journal) RecordCall(ctx context.Context, runID string, c sequencer.Call) error {
	_, err := j.ExecContext(ctx,
		`INSERT INTO gateway_calls (run_id, kind, arg, success, message, attempts, at_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(c.Kind), c.Arg, c.Success, c.Message, c.Attempts, ns(c.At))
	return err
}

func (j *Journal) RecordDetection(ctx context.Context, runID string, d sequencer.Detection) error {
	_, err := j.ExecContext(ctx,
		`INSERT INTO detections (run_id, observation, seq, coordinate, at_ns) VALUES (?, ?, ?, ?, ?)`,
		runID, d.Observation, d.Seq, d.Coordinate, ns(d.At))
	return err
}

func (j *Journal) FinishRun(ctx context.Context, o sequencer.Outcome) error {
	res, err := j.ExecContext(ctx, `
		UPDATE runs SET finished_ns = ?, final_state = ?, halted = ?, reason = ?
		WHERE run_id = ?`,
		ns(o.Finished), string(o.Final), o.Halted, o.Reason, o.RunID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish %s: %w", o.RunID, ErrRunNotFound)
	}
	return nil
}

// Run is one row of the runs table.
type Run struct {
	RunID         string          `json:"run_id"`
	Started       time.Time       `json:"started"`
	Finished      *time.Time      `json:"finished,omitempty"`
	Final         sequencer.State `json:"final_state,omitempty"`
	Halted        bool            `json:"halted"`
	Reason        string          `json:"reason,omitempty"`
	ShipmentID    string          `json:"shipment_id"`
	ConveyorPower float64         `json:"conveyor_power"`
}

const runColumns = `run_id, started_ns, finished_ns, final_state, halted, reason, shipment_id, conveyor_power`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		final    sql.NullString
	)
	if err := s.Scan(&r.RunID, &started, &finished, &final, &r.Halted, &r.Reason, &r.ShipmentID, &r.ConveyorPower); err != nil {
		return Run{}, err
	}
	r.Started = fromNS(started)
	if finished.Valid {
		t := fromNS(finished.Int64)
		r.Finished = &t
	}
	r.Final = sequencer.State(final.String)
	return r, nil
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (j *Journal) Run(ctx context.Context, runID string) (Run, error) {
	row := j.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// Transitions returns the state path of a run in order.
func (j *Journal) Transitions(ctx context.Context, runID string) ([]sequencer.Transition, error) {
	rows, err := j.QueryContext(ctx,
		`SELECT from_state, to_state, at_ns, note FROM transitions WHERE run_id = ? ORDER BY transition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sequencer.Transition
	for rows.Next() {
		var (
			t        sequencer.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&from, &to, &at, &t.Note); err != nil {
			return nil, err
		}
		t.From, t.To, t.At = sequencer.State(from), sequencer.State(to), fromNS(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Calls returns the gateway calls of a run in order.
func (j *Journal) Calls(ctx context.Context, runID string) ([]sequencer.Call, error) {
	rows, err := j.QueryContext(ctx,
		`SELECT kind, arg, success, message, attempts, at_ns FROM gateway_calls WHERE run_id = ? ORDER BY call_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sequencer.Call
	for rows.Next() {
		var (
			c    sequencer.Call
			kind string
			at   int64
		)
		if err := rows.Scan(&kind, &c.Arg, &c.Success, &c.Message, &c.Attempts, &at); err != nil {
			return nil, err
		}
		c.Kind, c.At = sequencer.CallKind(kind), fromNS(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Detection returns the detection of a run, or nil if the object was never
// seen at the inspection point.
func (j *Journal) Detection(ctx context.Context, runID string) (*sequencer.Detection, error) {
	var (
		d  sequencer.Detection
		at int64
	)
	err := j.QueryRowContext(ctx,
		`SELECT observation, seq, coordinate, at_ns FROM detections WHERE run_id = ?`, runID,
	).Scan(&d.Observation, &d.Seq, &d.Coordinate, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.At = fromNS(at)
	return &d, nil
}
