package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict is returned when an edit or delete carries a stale version.
var ErrVersionConflict = errors.New("version conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByHandle(ctx context.Context, handle string) (User, error) {
	const findUser = `SELECT id, handle, display_name, role, created_at FROM users WHERE handle = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, handle).Scan(&user.ID, &user.Handle, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (handle, display_name, role)
		VALUES ($1, INITCAP(REPLACE($1, '_', ' ')), 'member')
		RETURNING id, handle, display_name, role, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, handle).Scan(&user.ID, &user.Handle, &user.DisplayName, &user.Role, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Handle, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// LookupUsersByHandles resolves raw @handles in one query. Unknown handles are
// simply absent from the result.
func (s *PostgresStore) LookupUsersByHandles(ctx context.Context, handles []string) ([]User, error) {
	if len(handles) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handle, display_name, role, created_at
		FROM users
		WHERE handle = ANY($1)
	`, handles)
	if err != nil {
		return nil, fmt.Errorf("lookup handles: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, len(handles))
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Handle, &user.DisplayName, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// commentColumns is the shared projection for comment reads. Like count and
// the viewer's like state are computed per row; mentions come back as JSONB.
const commentColumns = `
	c.id, c.post_id, c.author_id, c.content, c.parent_id, c.is_active, c.is_edited, c.version,
	c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM comment_likes cl WHERE cl.comment_id = c.id) AS like_count,
	EXISTS(SELECT 1 FROM comment_likes cl WHERE cl.comment_id = c.id AND cl.user_id = $1) AS is_liked,
	(SELECT COALESCE(jsonb_agg(cm.user_id ORDER BY cm.user_id), '[]'::jsonb) FROM comment_mentions cm WHERE cm.comment_id = c.id) AS mentions
`

func scanComment(scanner interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var mentionsRaw []byte
	err := scanner.Scan(
		&item.ID,
		&item.PostID,
		&item.AuthorID,
		&item.Content,
		&item.ParentID,
		&item.IsActive,
		&item.IsEdited,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Likes,
		&item.IsLiked,
		&mentionsRaw,
	)
	if err != nil {
		return Comment{}, err
	}
	item.Mentions = []string{}
	_ = json.Unmarshal(mentionsRaw, &item.Mentions)
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, post_id, author_id, content, parent_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.PostID, item.AuthorID, item.Content, item.ParentID)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// GetComment returns a comment regardless of its soft-delete state; callers
// that must not see deleted comments check IsActive themselves.
func (s *PostgresStore) GetComment(ctx context.Context, commentID, viewerID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		WHERE c.id = $2
	`, viewerID, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListTopLevel(ctx context.Context, q TopLevelQuery) ([]Comment, error) {
	direction := "DESC"
	if q.SortOrder == "asc" {
		direction = "ASC"
	}
	orderBy := "c.created_at " + direction
	if q.SortBy == "likeCount" {
		// Transient like count, ties broken by recency.
		orderBy = "like_count " + direction + ", c.created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		WHERE c.post_id = $2 AND c.parent_id IS NULL AND c.is_active
		ORDER BY `+orderBy+`
		LIMIT $3 OFFSET $4
	`, q.ViewerID, q.PostID, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list top-level comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountTopLevel(ctx context.Context, postID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments WHERE post_id=$1 AND parent_id IS NULL AND is_active
	`, postID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count top-level comments: %w", err)
	}
	return total, nil
}

// ListRepliesFor returns the direct replies of the given parents in
// chronological order. Soft-deleted replies are kept when they still anchor
// an active reply of their own, so callers can render them as placeholders.
func (s *PostgresStore) ListRepliesFor(ctx context.Context, postID string, parentIDs []string, viewerID string) ([]Comment, error) {
	if len(parentIDs) == 0 {
		return []Comment{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		WHERE c.post_id = $2 AND c.parent_id = ANY($3)
		  AND (c.is_active OR EXISTS(
			SELECT 1 FROM comments child WHERE child.parent_id = c.id AND child.is_active
		  ))
		ORDER BY c.created_at ASC
	`, viewerID, postID, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

// ListReplyCounts returns the active-reply count per parent id.
func (s *PostgresStore) ListReplyCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(parentIDs))
	if len(parentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id, COUNT(*)
		FROM comments
		WHERE parent_id = ANY($1) AND is_active
		GROUP BY parent_id
	`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("count replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parentID string
		var count int
		if err := rows.Scan(&parentID, &count); err != nil {
			return nil, fmt.Errorf("scan reply count: %w", err)
		}
		counts[parentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply counts: %w", err)
	}
	return counts, nil
}

// Like adds the viewer to the comment's like set. Re-liking is a no-op.
func (s *PostgresStore) Like(ctx context.Context, commentID, userID string) (LikeState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_likes (comment_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (comment_id, user_id) DO NOTHING
	`, commentID, userID)
	if err != nil {
		return LikeState{}, fmt.Errorf("like comment: %w", err)
	}
	return s.likeState(ctx, commentID, userID)
}

// Unlike removes the viewer from the like set. Unliking twice is a no-op.
func (s *PostgresStore) Unlike(ctx context.Context, commentID, userID string) (LikeState, error) {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_likes WHERE comment_id=$1 AND user_id=$2
	`, commentID, userID)
	if err != nil {
		return LikeState{}, fmt.Errorf("unlike comment: %w", err)
	}
	return s.likeState(ctx, commentID, userID)
}

func (s *PostgresStore) likeState(ctx context.Context, commentID, userID string) (LikeState, error) {
	var state LikeState
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM comment_likes WHERE comment_id=$1),
			EXISTS(SELECT 1 FROM comment_likes WHERE comment_id=$1 AND user_id=$2)
	`, commentID, userID).Scan(&state.Likes, &state.IsLiked)
	if err != nil {
		return LikeState{}, fmt.Errorf("read like state: %w", err)
	}
	return state, nil
}

// UpdateContent replaces a comment's content, appending the prior content to
// the revision history first. The update only applies when the caller's
// version matches; a stale version returns ErrVersionConflict.
func (s *PostgresStore) UpdateContent(ctx context.Context, commentID, newContent string, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentContent string
	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT content, version FROM comments WHERE id=$1 AND is_active FOR UPDATE
	`, commentID).Scan(&currentContent, &currentVersion)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comment_revisions (comment_id, content)
		VALUES ($1, $2)
	`, commentID, currentContent); err != nil {
		return fmt.Errorf("append revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments
		SET content=$2, is_edited=TRUE, version=version+1, updated_at=NOW()
		WHERE id=$1
	`, commentID, newContent); err != nil {
		return fmt.Errorf("update content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edit: %w", err)
	}
	return nil
}

// SoftDelete hides a comment from normal reads. Replies are not cascaded.
func (s *PostgresStore) SoftDelete(ctx context.Context, commentID string, expectedVersion int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET is_active=FALSE, version=version+1, updated_at=NOW()
		WHERE id=$1 AND is_active AND version=$2
	`, commentID, expectedVersion)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM comments WHERE id=$1 AND is_active)
		`, commentID).Scan(&exists); err != nil {
			return fmt.Errorf("check comment: %w", err)
		}
		if exists {
			return ErrVersionConflict
		}
		return sql.ErrNoRows
	}
	return nil
}

// InsertReport appends a report. There is deliberately no dedup on
// (reporter, comment); moderation tooling collapses duplicates at read time.
func (s *PostgresStore) InsertReport(ctx context.Context, report Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_reports (id, comment_id, reporter_id, reason, description)
		VALUES ($1, $2, $3, $4, $5)
	`, report.ID, report.CommentID, report.ReporterID, report.Reason, report.Description)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// SetMentions replaces the resolved mention set for a comment.
func (s *PostgresStore) SetMentions(ctx context.Context, commentID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mentions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_mentions WHERE comment_id=$1`, commentID); err != nil {
		return fmt.Errorf("clear mentions: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_mentions (comment_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (comment_id, user_id) DO NOTHING
		`, commentID, userID); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mentions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, commentID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, edited_at
		FROM comment_revisions
		WHERE comment_id=$1
		ORDER BY edited_at ASC, id ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.Content, &item.EditedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// touch is only used by integration tests to age rows deterministically.
func (s *PostgresStore) touch(ctx context.Context, commentID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE comments SET created_at=$2 WHERE id=$1`, commentID, createdAt)
	return err
}
