package store

import (
	"context"
	"fmt"

	"basegraph.app/jobagent/core/db"
	"basegraph.app/jobagent/internal/model"
)

const (
	insertJobStateSQL = `INSERT INTO job_states (job_id, nature, state, message, error, responder)
VALUES ($1, $2, $3, $4, $5, $6)`

	listJobStatesSQL = `SELECT id, job_id, nature, state, message, error, responder, created_at
FROM job_states
WHERE job_id = $1
ORDER BY id`
)

type jobStateStore struct {
	q         db.Querier
	responder string
}

func NewStateStore(q db.Querier, responder string) StateStore {
	return &jobStateStore{q: q, responder: responder}
}

func (s *jobStateStore) Record(ctx context.Context, notice model.Job) error {
	if notice.Payload.JobID == "" {
		return fmt.Errorf("recording state: notice has no job id")
	}
	_, err := s.q.Exec(ctx, insertJobStateSQL,
		notice.Payload.JobID,
		notice.Nature.String(),
		string(notice.Payload.State),
		notice.Payload.Message,
		notice.Payload.Error,
		s.responder,
	)
	if err != nil {
		return fmt.Errorf("recording state for %s: %w", notice.Payload.JobID, err)
	}
	return nil
}

func (s *jobStateStore) ListByJob(ctx context.Context, jobID string) ([]JobState, error) {
	rows, err := s.q.Query(ctx, listJobStatesSQL, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing states for %s: %w", jobID, err)
	}
	defer rows.Close()

	var result []JobState
	for rows.Next() {
		var st JobState
		if err := rows.Scan(&st.ID, &st.JobID, &st.Nature, &st.State, &st.Message, &st.Error, &st.Responder, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning state row: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}
