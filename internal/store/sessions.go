package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
)

const sessionCols = `id, name, external_name, status, phone_number, job_count, job_limit_reached, resting_until, last_job_at`

func scanSession(r rowScanner) (model.Session, error) {
	var (
		s       model.Session
		resting sql.NullTime
		lastJob sql.NullTime
	)
	err := r.Scan(&s.ID, &s.Name, &s.ExternalName, &s.Status, &s.PhoneNumber,
		&s.JobCount, &s.JobLimitReached, &resting, &lastJob)
	if err != nil {
		return model.Session{}, err
	}
	s.RestingUntil = timePtr(resting)
	s.LastJobAt = timePtr(lastJob)
	return s, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	return sess, notFound(err)
}

func (s *Store) GetSessionByName(ctx context.Context, name string) (model.Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE name = $1 OR external_name = $1 LIMIT 1`, name))
	return sess, notFound(err)
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`,
		model.NormalizeStatus(status), id)
	return err
}

func (s *Store) UpdateSessionPhone(ctx context.Context, id int64, phone string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET phone_number = $1 WHERE id = $2`, phone, id)
	return err
}

// MarkSessionInactive stops a session that dropped out. The limit flag is
// cleared so the session starts fresh once it comes back.
func (s *Store) MarkSessionInactive(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		   SET status = 'stopped', job_limit_reached = FALSE
		 WHERE id = $1`, id)
	return err
}

func (s *Store) ReactivateSession(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		   SET status = 'working', job_count = 0, job_limit_reached = FALSE, resting_until = NULL
		 WHERE id = $1`, id)
	return err
}

func (s *Store) ResetRestedSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		   SET job_count = 0, job_limit_reached = FALSE, resting_until = NULL
		 WHERE job_limit_reached AND resting_until IS NOT NULL AND resting_until <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementJobCount bumps the counter in a single statement. The resting
// window is set only on the increment that first crosses the limit.
func (s *Store) IncrementJobCount(ctx context.Context, id int64, limit int, now, restUntil time.Time) (int, bool, error) {
	var (
		count   int
		reached bool
	)
	err := s.DB.QueryRowContext(ctx, `
		UPDATE sessions
		   SET job_count = job_count + 1,
		       last_job_at = $2,
		       resting_until = CASE
		           WHEN NOT job_limit_reached AND job_count + 1 >= $3 THEN $4
		           ELSE resting_until END,
		       job_limit_reached = job_limit_reached OR job_count + 1 >= $3
		 WHERE id = $1
		 RETURNING job_count, job_limit_reached`, id, now, limit, restUntil).Scan(&count, &reached)
	if err != nil {
		return 0, false, notFound(err)
	}
	return count, reached, nil
}
