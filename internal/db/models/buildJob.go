package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	KindInstall = "install"
	KindImport  = "import-container"
	KindPull    = "pull"
)

type BuildJob struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Image       string     `json:"image"`
	Status      string     `json:"status"`
	Branch      *string    `json:"branch,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InsertBuildJob records a run that starts now.
func InsertBuildJob(ctx context.Context, db *sql.DB, kind, image string) (*BuildJob, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating buildjob uuid: %w", err)
	}
	jobID := id.String()
	now := time.Now().Unix()

	query := `
		INSERT INTO build_jobs (id, kind, image, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query, jobID, kind, image, StatusRunning, now, now); err != nil {
		return nil, fmt.Errorf("insert build job: %w", err)
	}

	created := time.Unix(now, 0)
	return &BuildJob{
		ID:        jobID,
		Kind:      kind,
		Image:     image,
		Status:    StatusRunning,
		StartedAt: &created,
		CreatedAt: created,
	}, nil
}

// CompleteBuildJob marks a run as succeeded. branch may be empty.
func CompleteBuildJob(ctx context.Context, db *sql.DB, id, branch string) error {
	var b *string
	if branch != "" {
		b = &branch
	}
	return finish(ctx, db, id, StatusSucceeded, b, nil)
}

// FailBuildJob marks a run as failed with the error text.
func FailBuildJob(ctx context.Context, db *sql.DB, id string, cause error) error {
	msg := cause.Error()
	return finish(ctx, db, id, StatusFailed, nil, &msg)
}

func finish(ctx context.Context, db *sql.DB, id, status string, branch, errText *string) error {
	query := `UPDATE build_jobs SET status = ?, branch = ?, error = ?, completed_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, status, branch, errText, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update build job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("build job %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

const selectColumns = `SELECT id, kind, image, status, branch, error, started_at, completed_at, created_at FROM build_jobs`

func GetBuildJob(ctx context.Context, db *sql.DB, id string) (*BuildJob, error) {
	row := db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	job, err := scanBuildJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build job %s: %w", id, errdefs.ErrNotFound)
	}
	return job, err
}

// ListBuildJobs returns the most recent runs first.
func ListBuildJobs(ctx context.Context, db *sql.DB, limit int) ([]*BuildJob, error) {
	if limit <= 0 {
		limit = 20
	}
	// ids are UUIDv7 and sort by creation time
	rows, err := db.QueryContext(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list build jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BuildJob
	for rows.Next() {
		job, err := scanBuildJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuildJob(s scanner) (*BuildJob, error) {
	var (
		job                    BuildJob
		branch, errText        sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt              int64
	)
	if err := s.Scan(&job.ID, &job.Kind, &job.Image, &job.Status, &branch, &errText, &startedAt, &completedAt, &createdAt); err != nil {
		return nil, err
	}

	if branch.Valid {
		job.Branch = &branch.String
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}
