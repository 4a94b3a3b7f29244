package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storybridge/internal/domain"
)

const storyColumns = `feed_id, project_id, feed_status, feed_title, feed_description,
	feed_type, feed_canonical_url, feed_true_url, project_data`

func (d *Database) CountStories(ctx context.Context) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	var count int64
	if err = db.QueryRowContext(ctx, "select count(*) from stories").Scan(&count); err != nil {
		return 0, fmt.Errorf("count stories: %w", err)
	}

	return count, nil
}

// UpsertStories inserts or replaces every story keyed by FeedID. Feed fields
// always replace the stored ones; project fields replace them only when the
// incoming story carries them, so a refresh from the feed board never
// clears a project id or the seed sentinel. A failed record does not stop
// the rest of the batch; the returned error joins every per-record failure.
func (d *Database) UpsertStories(ctx context.Context, stories []domain.Story) ([]domain.Story, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `insert into stories (` + storyColumns + `)
	values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	on conflict (feed_id) do update
	set project_id = coalesce(excluded.project_id, stories.project_id),
		feed_status = excluded.feed_status,
		feed_title = excluded.feed_title,
		feed_description = excluded.feed_description,
		feed_type = excluded.feed_type,
		feed_canonical_url = excluded.feed_canonical_url,
		feed_true_url = coalesce(nullif(excluded.feed_true_url, ''), stories.feed_true_url),
		project_data = coalesce(excluded.project_data, stories.project_data),
		updated_at = current_timestamp`

	var errs []error
	for _, s := range stories {
		feedID := strings.TrimSpace(s.FeedID)
		if feedID == "" {
			errs = append(errs, errors.New("story feed ID is empty"))
			continue
		}

		projectData, marshalErr := marshalProjectData(s)
		if marshalErr != nil {
			errs = append(errs, fmt.Errorf("marshal project data (feedID = %s): %w", feedID, marshalErr))
			continue
		}

		var projectID sql.NullInt64
		if s.ProjectID != nil {
			projectID = sql.NullInt64{Int64: *s.ProjectID, Valid: true}
		}

		if _, execErr := db.ExecContext(ctx, query,
			feedID,
			projectID,
			string(s.Feed.Status),
			s.Feed.Title,
			s.Feed.Description,
			string(s.Feed.Type),
			s.Feed.CanonicalURL,
			s.Feed.TrueURL,
			projectData,
		); execErr != nil {
			errs = append(errs, fmt.Errorf("upsert story (feedID = %s): %w", feedID, execErr))
		}
	}

	return stories, errors.Join(errs...)
}

// FindStoryByProjectID returns nil without error when no story is linked to
// projectID.
func (d *Database) FindStoryByProjectID(ctx context.Context, projectID int64) (*domain.Story, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.QueryRowContext(ctx,
		"select "+storyColumns+" from stories where project_id = ? and project_id != 0 limit 1",
		projectID)

	s, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find story (projectID = %d): %w", projectID, err)
	}

	return &s, nil
}

// FindStories with hasProjectID false returns stories that were never pushed
// and whose feed status is pushable. With hasProjectID true it returns every
// story linked to a real project board ticket.
func (d *Database) FindStories(ctx context.Context, hasProjectID bool) ([]domain.Story, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		query string
		args  []any
	)

	if hasProjectID {
		query = "select " + storyColumns + ` from stories
		where project_id is not null and project_id != 0
		order by feed_id`
	} else {
		if len(d.pushable) == 0 {
			return nil, nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(d.pushable)), ", ")
		query = "select " + storyColumns + ` from stories
		where project_id is null and feed_status in (` + placeholders + `)
		order by feed_id`

		for _, s := range d.pushable {
			args = append(args, string(s))
		}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil {
			d.log.ErrorContext(ctx, "Failed to close rows",
				"error", err,
				"hasProjectID", hasProjectID,
				"operation", "FindStories")
		}
	}()

	var stories []domain.Story
	for rows.Next() {
		s, scanErr := scanStory(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan row: %w", scanErr)
		}

		stories = append(stories, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return stories, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStory(row scanner) (domain.Story, error) {
	var (
		s           domain.Story
		projectID   sql.NullInt64
		status      string
		storyType   string
		projectData sql.NullString
	)

	if err := row.Scan(
		&s.FeedID,
		&projectID,
		&status,
		&s.Feed.Title,
		&s.Feed.Description,
		&storyType,
		&s.Feed.CanonicalURL,
		&s.Feed.TrueURL,
		&projectData,
	); err != nil {
		return domain.Story{}, err
	}

	s.Feed.Status = domain.FeedStatus(status)
	s.Feed.Type = domain.StoryType(storyType)

	if projectID.Valid {
		s.ProjectID = domain.Int64(projectID.Int64)
	}

	if projectData.Valid && projectData.String != "" {
		if err := json.Unmarshal([]byte(projectData.String), &s.Project); err != nil {
			return domain.Story{}, fmt.Errorf("unmarshal project data (feedID = %s): %w", s.FeedID, err)
		}
	}

	return s, nil
}

// marshalProjectData returns nil for stories without a project board
// snapshot so the stored one is kept.
func marshalProjectData(s domain.Story) (any, error) {
	if s.Project.ID == 0 {
		return nil, nil
	}

	b, err := json.Marshal(s.Project)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}
