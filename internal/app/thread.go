package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"threadloom/api/internal/store"
)

// maxThreadDepth bounds how many reply levels FetchThread descends.
const maxThreadDepth = 20

// attachReplies decorates a page of top-level comments with a preview of
// their direct replies, using one batched query per concern instead of one
// per comment.
func (s *Service) attachReplies(ctx context.Context, viewerID, postID string, comments []store.Comment) ([]*store.Comment, error) {
	nodes := make([]*store.Comment, len(comments))
	parentIDs := make([]string, 0, len(comments))
	byID := make(map[string]*store.Comment, len(comments))
	for i := range comments {
		node := comments[i]
		node.Depth = 0
		node.Replies = []*store.Comment{}
		nodes[i] = &node
		parentIDs = append(parentIDs, node.ID)
		byID[node.ID] = &node
	}
	if len(parentIDs) == 0 {
		return nodes, nil
	}

	replies, err := s.store.ListRepliesFor(ctx, postID, parentIDs, viewerID)
	if err != nil {
		return nil, err
	}
	limit := s.cfg.RepliesPreviewLimit
	if limit <= 0 {
		limit = 3
	}
	var previews []*store.Comment
	for i := range replies {
		reply := replies[i]
		parent, ok := byID[deref(reply.ParentID)]
		if !ok || len(parent.Replies) >= limit {
			continue
		}
		reply.Depth = 1
		reply.Replies = []*store.Comment{}
		node := &reply
		tombstone(node)
		parent.Replies = append(parent.Replies, node)
		previews = append(previews, node)
	}

	countIDs := parentIDs
	for _, node := range previews {
		countIDs = append(countIDs, node.ID)
	}
	counts, err := s.store.ListReplyCounts(ctx, countIDs)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		node.ReplyCount = counts[node.ID]
	}
	for _, node := range previews {
		node.ReplyCount = counts[node.ID]
	}
	return nodes, nil
}

// FetchThread returns a comment with its reply tree down to maxDepth levels,
// walking the tree breadth first with one query per depth level. A maxDepth
// of zero or anything past the hard cap falls back to the cap. Soft-deleted
// nodes that still anchor replies come back as tombstones so the thread shape
// survives.
func (s *Service) FetchThread(ctx context.Context, session Session, commentID string, maxDepth int) (*store.Comment, error) {
	if maxDepth <= 0 || maxDepth > maxThreadDepth {
		maxDepth = maxThreadDepth
	}
	rootComment, err := s.store.GetComment(ctx, commentID, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
		}
		return nil, err
	}

	root := &rootComment
	root.Replies = []*store.Comment{}
	tombstone(root)

	frontier := map[string]*store.Comment{root.ID: root}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		parentIDs := make([]string, 0, len(frontier))
		for id := range frontier {
			parentIDs = append(parentIDs, id)
		}

		replies, err := s.store.ListRepliesFor(ctx, root.PostID, parentIDs, session.UserID)
		if err != nil {
			return nil, err
		}

		next := make(map[string]*store.Comment, len(replies))
		for i := range replies {
			reply := replies[i]
			parent, ok := frontier[deref(reply.ParentID)]
			if !ok {
				continue
			}
			reply.Depth = depth
			reply.Replies = []*store.Comment{}
			node := &reply
			tombstone(node)
			parent.Replies = append(parent.Replies, node)
			if reply.IsActive {
				parent.ReplyCount++
			}
			next[node.ID] = node
		}
		frontier = next
	}

	// The deepest level's children were never fetched; count them so callers
	// can tell a truncated subtree from an exhausted one.
	if len(frontier) > 0 {
		leafIDs := make([]string, 0, len(frontier))
		for id := range frontier {
			leafIDs = append(leafIDs, id)
		}
		counts, err := s.store.ListReplyCounts(ctx, leafIDs)
		if err != nil {
			return nil, err
		}
		for id, node := range frontier {
			node.ReplyCount = counts[id]
		}
	}

	if !root.IsActive && len(root.Replies) == 0 {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	return root, nil
}

// tombstone blanks out a soft-deleted node while keeping its position.
func tombstone(node *store.Comment) {
	if node.IsActive {
		return
	}
	node.Tombstone = true
	node.Content = ""
	node.AuthorID = ""
	node.Mentions = nil
	node.Likes = 0
	node.IsLiked = false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
