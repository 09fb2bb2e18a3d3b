package store

import "time"

type User struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Comment is a single comment row. Replies and like data are attached by the
// thread builder, not by the base queries.
type Comment struct {
	ID        string     `json:"id"`
	PostID    string     `json:"postId"`
	AuthorID  string     `json:"authorId"`
	Content   string     `json:"content"`
	ParentID  *string    `json:"parentId"`
	Likes     int        `json:"likes"`
	IsLiked   bool       `json:"isLiked"`
	IsActive  bool       `json:"-"`
	IsEdited  bool       `json:"isEdited"`
	Version   int        `json:"version"`
	Mentions  []string   `json:"mentions"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Populated on single-comment responses only.
	EditHistory []Revision `json:"editHistory,omitempty"`

	// Populated on thread views.
	Depth      int        `json:"depth"`
	Replies    []*Comment `json:"replies,omitempty"`
	ReplyCount int        `json:"replyCount"`
	Tombstone  bool       `json:"tombstone,omitempty"`

	// Pending marks an optimistic client-side entry that the server has not
	// confirmed yet. Never set on rows read from the database.
	Pending bool `json:"pending,omitempty"`
}

// Revision is one entry of a comment's append-only edit history.
type Revision struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

type Report struct {
	ID          string    `json:"id"`
	CommentID   string    `json:"commentId"`
	ReporterID  string    `json:"reporterId"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	ReportedAt  time.Time `json:"reportedAt"`
}

// LikeState is the result of a like/unlike toggle.
type LikeState struct {
	Likes   int  `json:"likes"`
	IsLiked bool `json:"isLiked"`
}

type TopLevelQuery struct {
	PostID    string
	Limit     int
	Offset    int
	SortBy    string // "createdAt" or "likeCount"
	SortOrder string // "asc" or "desc"
	ViewerID  string // resolves IsLiked
}
