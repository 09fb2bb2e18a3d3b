package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery against active comments of the post, ranked by
// ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.is_active AND to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.PostID != "" {
		where += " AND c.post_id = $2"
		args = append(args, q.PostID)
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM comments c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.post_id, c.author_id,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.PostID, &r.AuthorID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every active comment for full reindexing.
func (p *PgFTS) LoadAllRecords() ([]CommentRecord, error) {
	rows, err := p.db.Query(`
		SELECT id, post_id, author_id, content
		FROM comments
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	comments := make([]CommentRecord, 0)
	for rows.Next() {
		var c CommentRecord
		if err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Content); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}
