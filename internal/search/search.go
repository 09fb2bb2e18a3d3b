package search

// Result is a single comment hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Snippet  string `json:"snippet"`
}

// Query describes a comment search request, scoped to one post.
type Query struct {
	Text   string
	PostID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comments.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(c CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment. Only active comments are
// kept in the index.
type CommentRecord struct {
	ID       string `json:"id"`
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
}
