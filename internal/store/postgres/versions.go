package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/minutehq/minute/internal/align"
	"github.com/minutehq/minute/internal/store"
)

// SaveVersion inserts a new transcript version inside one transaction. An
// advisory lock on the meeting id serialises concurrent saves so version
// numbers stay dense and the single-authoritative invariant holds.
func (s *Store) SaveVersion(ctx context.Context, req store.SaveVersionRequest) (int, error) {
	content, err := json.Marshal(req.Content)
	if err != nil {
		return 0, fmt.Errorf("postgres store: marshal content: %w", err)
	}
	if req.AlignmentConfig == nil {
		req.AlignmentConfig = map[string]any{}
	}
	alignmentCfg, err := json.Marshal(req.AlignmentConfig)
	if err != nil {
		return 0, fmt.Errorf("postgres store: marshal alignment config: %w", err)
	}
	metrics, err := json.Marshal(store.MetricsFor(req.Content))
	if err != nil {
		return 0, fmt.Errorf("postgres store: marshal metrics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.MeetingID); err != nil {
		return 0, fmt.Errorf("postgres store: lock meeting %s: %w", req.MeetingID, err)
	}

	var version int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_num), 0) + 1 FROM transcript_versions WHERE meeting_id = $1`,
		req.MeetingID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("postgres store: next version: %w", err)
	}

	if req.IsAuthoritative {
		_, err = tx.Exec(ctx,
			`UPDATE transcript_versions SET is_authoritative = false
			 WHERE meeting_id = $1 AND is_authoritative`,
			req.MeetingID,
		)
		if err != nil {
			return 0, fmt.Errorf("postgres store: demote authoritative: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transcript_versions
		    (meeting_id, version_num, source, content, is_authoritative,
		     alignment_config, confidence_metrics, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.MeetingID,
		version,
		req.Source,
		content,
		req.IsAuthoritative,
		alignmentCfg,
		metrics,
		req.CreatedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres store: insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres store: commit version: %w", err)
	}
	return version, nil
}

func (s *Store) ListVersions(ctx context.Context, meetingID string) ([]store.VersionInfo, error) {
	const q = `
		SELECT meeting_id, version_num, source, is_authoritative,
		       created_at, created_by, confidence_metrics
		FROM   transcript_versions
		WHERE  meeting_id = $1
		ORDER  BY version_num DESC`

	rows, err := s.pool.Query(ctx, q, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list versions: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VersionInfo, error) {
		var (
			info    store.VersionInfo
			metrics []byte
		)
		if err := row.Scan(
			&info.MeetingID,
			&info.Version,
			&info.Source,
			&info.IsAuthoritative,
			&info.CreatedAt,
			&info.CreatedBy,
			&metrics,
		); err != nil {
			return store.VersionInfo{}, err
		}
		if err := json.Unmarshal(metrics, &info.Metrics); err != nil {
			return store.VersionInfo{}, err
		}
		return info, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan versions: %w", err)
	}
	return infos, nil
}

func (s *Store) GetVersionContent(ctx context.Context, meetingID string, version int) ([]align.AlignedSegment, error) {
	const q = `
		SELECT content
		FROM   transcript_versions
		WHERE  meeting_id = $1 AND version_num = $2`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, meetingID, version).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get version %s/%d: %w", meetingID, version, err)
	}

	var content []align.AlignedSegment
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("postgres store: decode version %s/%d: %w", meetingID, version, err)
	}
	return content, nil
}

func (s *Store) DeleteVersion(ctx context.Context, meetingID string, version int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transcript_versions WHERE meeting_id = $1 AND version_num = $2`,
		meetingID, version,
	)
	if err != nil {
		return false, fmt.Errorf("postgres store: delete version %s/%d: %w", meetingID, version, err)
	}
	return tag.RowsAffected() > 0, nil
}
