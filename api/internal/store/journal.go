// Package store keeps a Postgres journal of detection runs and how each run
// was finalized.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"farm-bot/api/internal/detection"
)

var ErrNotFound = sql.ErrNoRows

type Journal struct{ DB *sql.DB }

func NewJournal(db *sql.DB) *Journal { return &Journal{DB: db} }

const schema = `
create table if not exists detection_runs (
    id            bigserial primary key,
    created_at    timestamptz not null default now(),
    chat_id       bigint not null default 0,
    task_id       bigint not null,
    model         text not null,
    image_count   int not null,
    result_count  int not null,
    results_json  jsonb not null,
    outcome       text,
    finalized_at  timestamptz
);
create index if not exists detection_runs_task_idx on detection_runs(task_id, created_at desc);
`

// EnsureSchema creates the journal table when missing.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	_, err := j.DB.ExecContext(ctx, schema)
	return err
}

// Run is one journaled submission.
type Run struct {
	ID          int64
	CreatedAt   time.Time
	ChatID      int64
	TaskID      int64
	Model       detection.Model
	ImageCount  int
	Results     []detection.PredictionResult
	Outcome     string
	FinalizedAt *time.Time
}

// RecordSubmission stores a successful submission and returns its row id.
func (j *Journal) RecordSubmission(ctx context.Context, chatID, taskID int64, model detection.Model, images int, results []detection.PredictionResult) (int64, error) {
	js, err := json.Marshal(results)
	if err != nil {
		return 0, err
	}
	const q = `
insert into detection_runs(chat_id, task_id, model, image_count, result_count, results_json)
values ($1,$2,$3,$4,$5,$6)
returning id`
	var id int64
	err = j.DB.QueryRowContext(ctx, q, chatID, taskID, string(model), images, len(results), js).Scan(&id)
	return id, err
}

// RecordOutcome marks run runID as accepted or discarded. A run is finalized
// at most once.
func (j *Journal) RecordOutcome(ctx context.Context, runID int64, action string, _ []detection.ID) error {
	const q = `
update detection_runs set outcome=$2, finalized_at=now()
where id=$1 and outcome is null`
	res, err := j.DB.ExecContext(ctx, q, runID, action)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the most recent run of the task.
func (j *Journal) Latest(ctx context.Context, taskID int64) (*Run, error) {
	const q = `
select id, created_at, chat_id, task_id, model, image_count, results_json,
       coalesce(outcome,''), finalized_at
from detection_runs
where task_id=$1
order by created_at desc, id desc
limit 1`
	var (
		r         Run
		model     string
		js        []byte
		finalized sql.NullTime
	)
	err := j.DB.QueryRowContext(ctx, q, taskID).Scan(&r.ID, &r.CreatedAt, &r.ChatID, &r.TaskID,
		&model, &r.ImageCount, &js, &r.Outcome, &finalized)
	if err != nil {
		return nil, err
	}
	r.Model = detection.Model(model)
	if finalized.Valid {
		r.FinalizedAt = &finalized.Time
	}
	if err := json.Unmarshal(js, &r.Results); err != nil {
		return nil, errors.Join(ErrNotFound, err)
	}
	return &r, nil
}

// PurgeOlderThan deletes runs created before now-age.
func (j *Journal) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := j.DB.ExecContext(ctx, `delete from detection_runs where created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
