package realtime

import "threadloom/api/internal/store"

type EventKind string

const (
	EventNewComment     EventKind = "new-comment"
	EventCommentUpdated EventKind = "comment-updated"
	EventCommentDeleted EventKind = "comment-deleted"
)

// Event is one comment lifecycle notification for a post room. Kind decides
// which fields are set: new-comment carries the full comment, comment-updated
// carries the changed fields, comment-deleted carries only the id.
type Event struct {
	Kind      EventKind      `json:"type"`
	PostID    string         `json:"postId"`
	Comment   *store.Comment `json:"comment,omitempty"`
	CommentID string         `json:"commentId,omitempty"`
	Likes     *int           `json:"likes,omitempty"`
	// IsLiked reflects the acting user, as observed by the echo consumer.
	IsLiked *bool  `json:"isLiked,omitempty"`
	Action  string `json:"action,omitempty"` // like, unlike or edit
	Content string `json:"content,omitempty"`
	// Version rides on edit events so viewers applying the new content also
	// pick up the bumped version and their next guarded edit is not stale.
	Version int `json:"version,omitempty"`
	// Nonce echoes the client-supplied create nonce so the originator can
	// match the event against its optimistic entry.
	Nonce string `json:"nonce,omitempty"`
}
