// Package syncclient keeps a client-side view of one post's comment tree in
// step with the server. It merges page fetches, realtime events and the
// client's own optimistic entries into a single tree, with the server always
// winning on conflict.
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threadloom/api/internal/realtime"
	"threadloom/api/internal/store"
)

const (
	defaultPageLimit   = 10
	defaultReplyWindow = 3
)

// Page is one page of top-level comments as the server returns it.
type Page struct {
	Comments []*store.Comment
	Total    int
	Pages    int
}

// Backend is the server surface the engine talks to.
type Backend interface {
	FetchPage(ctx context.Context, postID string, page, limit int) (Page, error)
	FetchThread(ctx context.Context, commentID string, maxDepth int) (*store.Comment, error)
	CreateComment(ctx context.Context, postID, content string, parentID *string, nonce string) (*store.Comment, error)
	Like(ctx context.Context, commentID string) (store.LikeState, error)
	Unlike(ctx context.Context, commentID string) (store.LikeState, error)
}

// Engine is the per-post sync state. All methods are safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	backend Backend
	postID  string

	limit    int
	page     int
	total    int
	pages    int
	fetching bool

	roots   []*store.Comment
	visible map[string]int

	now func() time.Time
}

func New(backend Backend, postID string) *Engine {
	return &Engine{
		backend: backend,
		postID:  postID,
		limit:   defaultPageLimit,
		visible: make(map[string]int),
		now:     time.Now,
	}
}

// Comments returns the current top-level tree. The returned slice is a
// snapshot; the nodes are shared with the engine and must be treated as
// read-only.
func (e *Engine) Comments() []*store.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*store.Comment(nil), e.roots...)
}

// Total reports the known top-level comment count, optimistic entries
// included.
func (e *Engine) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// HasMore reports whether another page is available.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.page < e.pages
}

// LoadMore fetches the next page and merges it into the tree. While a fetch
// is in flight further calls are no-ops, so a double-tapped "load more"
// cannot skip a page.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	if e.fetching {
		e.mu.Unlock()
		return nil
	}
	e.fetching = true
	nextPage := e.page + 1
	limit := e.limit
	e.mu.Unlock()

	page, err := e.backend.FetchPage(ctx, e.postID, nextPage, limit)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetching = false
	if err != nil {
		return fmt.Errorf("fetch page %d: %w", nextPage, err)
	}

	e.page = nextPage
	e.total = page.Total
	e.pages = page.Pages
	e.roots = mergeChildren(e.roots, page.Comments)
	return nil
}

// CreateComment inserts an optimistic entry immediately, then confirms it
// against the server. On failure the entry is removed and the error returned;
// the rest of the tree is untouched.
func (e *Engine) CreateComment(ctx context.Context, authorID, content string, parentID *string) (*store.Comment, error) {
	tempID := fmt.Sprintf("temp-%d", e.now().UnixMilli())
	entry := &store.Comment{
		ID:        tempID,
		PostID:    e.postID,
		AuthorID:  authorID,
		Content:   content,
		ParentID:  parentID,
		IsActive:  true,
		Pending:   true,
		CreatedAt: e.now(),
		Replies:   []*store.Comment{},
	}

	e.mu.Lock()
	if parentID == nil {
		e.roots = append([]*store.Comment{entry}, e.roots...)
		e.total++
	} else if parent := findNode(e.roots, *parentID); parent != nil {
		parent.Replies = append(parent.Replies, entry)
		parent.ReplyCount++
	}
	e.mu.Unlock()

	created, err := e.backend.CreateComment(ctx, e.postID, content, parentID, tempID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if findNode(e.roots, tempID) != nil {
			e.removeCounted(tempID, parentID)
		}
		return nil, fmt.Errorf("create comment: %w", err)
	}
	if node := findNode(e.roots, tempID); node != nil {
		confirmed := *created
		confirmed.Replies = node.Replies
		*node = confirmed
	}
	return created, nil
}

// ApplyEvent folds one realtime event into the tree. Events about comments
// outside the loaded window are dropped; the next fetch will pick them up.
func (e *Engine) ApplyEvent(event realtime.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch event.Kind {
	case realtime.EventNewComment:
		if event.Comment == nil {
			return
		}
		e.applyNewComment(event)
	case realtime.EventCommentUpdated:
		node := findNode(e.roots, event.CommentID)
		if node == nil {
			return
		}
		if event.Likes != nil {
			node.Likes = *event.Likes
		}
		if event.IsLiked != nil && event.Action != "like" && event.Action != "unlike" {
			// isLiked is viewer-local; only edit events may carry it through.
			node.IsLiked = *event.IsLiked
		}
		if event.Action == "edit" {
			node.Content = event.Content
			node.IsEdited = true
			if event.Version > node.Version {
				node.Version = event.Version
			}
		}
	case realtime.EventCommentDeleted:
		e.applyDeleted(event.CommentID)
	}
}

func (e *Engine) applyNewComment(event realtime.Event) {
	incoming := *event.Comment
	if incoming.Replies == nil {
		incoming.Replies = []*store.Comment{}
	}

	// The echo of our own optimistic entry replaces it in place.
	if pending := e.matchPending(event.Nonce, &incoming); pending != nil {
		replies := pending.Replies
		*pending = incoming
		pending.Replies = replies
		return
	}
	if findNode(e.roots, incoming.ID) != nil {
		return
	}

	if incoming.ParentID == nil {
		e.roots = append([]*store.Comment{&incoming}, e.roots...)
		e.total++
		return
	}
	if parent := findNode(e.roots, *incoming.ParentID); parent != nil {
		parent.Replies = append(parent.Replies, &incoming)
		parent.ReplyCount++
	}
}

// matchPending finds the optimistic entry a new-comment echo supersedes:
// first by the nonce we attached, then by author and content for echoes that
// lost it.
func (e *Engine) matchPending(nonce string, incoming *store.Comment) *store.Comment {
	var fallback *store.Comment
	var walk func(nodes []*store.Comment) *store.Comment
	walk = func(nodes []*store.Comment) *store.Comment {
		for _, node := range nodes {
			if node.Pending {
				if nonce != "" && node.ID == nonce {
					return node
				}
				if fallback == nil && node.AuthorID == incoming.AuthorID && node.Content == incoming.Content {
					fallback = node
				}
			}
			if found := walk(node.Replies); found != nil {
				return found
			}
		}
		return nil
	}
	if found := walk(e.roots); found != nil {
		return found
	}
	return fallback
}

func (e *Engine) applyDeleted(commentID string) {
	node := findNode(e.roots, commentID)
	if node == nil {
		return
	}
	if len(node.Replies) > 0 {
		node.Tombstone = true
		node.Content = ""
		node.AuthorID = ""
		node.Likes = 0
		node.IsLiked = false
		return
	}
	e.removeCounted(commentID, node.ParentID)
}

// removeCounted drops a node and gives back the counter its insertion took:
// the parent's ReplyCount for a reply, the top-level total otherwise.
// Callers hold e.mu.
func (e *Engine) removeCounted(commentID string, parentID *string) {
	if parentID == nil {
		if e.total > 0 {
			e.total--
		}
	} else if parent := findNode(e.roots, *parentID); parent != nil && parent.ReplyCount > 0 {
		parent.ReplyCount--
	}
	e.removeNode(commentID)
}

// ToggleLike flips the like state immediately and settles on whatever the
// server answers. On failure the exact previous state is restored.
func (e *Engine) ToggleLike(ctx context.Context, commentID string) error {
	e.mu.Lock()
	node := findNode(e.roots, commentID)
	if node == nil {
		e.mu.Unlock()
		return fmt.Errorf("comment %s is not loaded", commentID)
	}
	prevLikes, prevLiked := node.Likes, node.IsLiked
	liking := !node.IsLiked
	if liking {
		node.Likes++
	} else if node.Likes > 0 {
		node.Likes--
	}
	node.IsLiked = liking
	e.mu.Unlock()

	var state store.LikeState
	var err error
	if liking {
		state, err = e.backend.Like(ctx, commentID)
	} else {
		state, err = e.backend.Unlike(ctx, commentID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	node = findNode(e.roots, commentID)
	if node == nil {
		return err
	}
	if err != nil {
		node.Likes, node.IsLiked = prevLikes, prevLiked
		return fmt.Errorf("toggle like: %w", err)
	}
	node.Likes, node.IsLiked = state.Likes, state.IsLiked
	return nil
}

// VisibleReplies returns the windowed slice of a parent's loaded replies.
func (e *Engine) VisibleReplies(parentID string) []*store.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	parent := findNode(e.roots, parentID)
	if parent == nil {
		return nil
	}
	window := e.windowFor(parentID)
	if window > len(parent.Replies) {
		window = len(parent.Replies)
	}
	return append([]*store.Comment(nil), parent.Replies[:window]...)
}

// ShowMoreReplies widens a parent's reply window. Replies already fetched are
// revealed first; once the window passes what is loaded, the full thread is
// fetched and merged in by id, so nodes already on screen keep their position.
func (e *Engine) ShowMoreReplies(ctx context.Context, parentID string, step int) error {
	if step <= 0 {
		step = defaultReplyWindow
	}

	e.mu.Lock()
	parent := findNode(e.roots, parentID)
	if parent == nil {
		e.mu.Unlock()
		return fmt.Errorf("comment %s is not loaded", parentID)
	}
	window := e.windowFor(parentID) + step
	e.visible[parentID] = window
	needFetch := window > len(parent.Replies) && len(parent.Replies) < parent.ReplyCount
	e.mu.Unlock()

	if !needFetch {
		return nil
	}

	thread, err := e.backend.FetchThread(ctx, parentID, 0)
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", parentID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	parent = findNode(e.roots, parentID)
	if parent == nil || thread == nil {
		return nil
	}
	mergeInto(parent, thread)
	return nil
}

// ExpansionState serializes the per-parent window sizes for addressable view
// state, and RestoreExpansionState loads them back.
func (e *Engine) ExpansionState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return encodeExpansion(e.visible)
}

func (e *Engine) RestoreExpansionState(encoded string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, count := range decodeExpansion(encoded) {
		e.visible[id] = count
	}
}

func (e *Engine) windowFor(parentID string) int {
	if window, ok := e.visible[parentID]; ok {
		return window
	}
	return defaultReplyWindow
}

// removeNode drops a node from wherever it sits. Callers hold e.mu.
func (e *Engine) removeNode(commentID string) {
	var prune func(nodes []*store.Comment) []*store.Comment
	prune = func(nodes []*store.Comment) []*store.Comment {
		out := nodes[:0]
		for _, node := range nodes {
			if node.ID == commentID {
				continue
			}
			node.Replies = prune(node.Replies)
			out = append(out, node)
		}
		return out
	}
	e.roots = prune(e.roots)
}

func findNode(nodes []*store.Comment, commentID string) *store.Comment {
	for _, node := range nodes {
		if node.ID == commentID {
			return node
		}
		if found := findNode(node.Replies, commentID); found != nil {
			return found
		}
	}
	return nil
}

// mergeInto reconciles one node with its server copy: incoming fields win,
// children merge by id with existing order preserved.
func mergeInto(existing, incoming *store.Comment) {
	children := existing.Replies
	pending := existing.Pending

	*existing = *incoming
	existing.Pending = pending
	existing.Replies = mergeChildren(children, incoming.Replies)
}

// mergeChildren merges an incoming sibling list into the existing one.
// Matches by id update in place, newcomers append, and nodes the server no
// longer returns are kept (a page fetch only covers its own window).
func mergeChildren(existing, incoming []*store.Comment) []*store.Comment {
	byID := make(map[string]*store.Comment, len(existing))
	for _, node := range existing {
		byID[node.ID] = node
	}
	for _, in := range incoming {
		if current, ok := byID[in.ID]; ok {
			mergeInto(current, in)
			continue
		}
		node := *in
		if node.Replies == nil {
			node.Replies = []*store.Comment{}
		}
		existing = append(existing, &node)
		byID[node.ID] = &node
	}
	return existing
}
