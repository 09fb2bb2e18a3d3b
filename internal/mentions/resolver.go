// Package mentions handles @handle references in comment content. Extraction
// runs before the comment is stored; resolution runs after, asynchronously,
// and is never allowed to fail the write it follows.
package mentions

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"threadloom/api/internal/store"
)

var handlePattern = regexp.MustCompile(`@(\w+)`)

// Extract scans content for @handles and returns them deduplicated, in order
// of first appearance, without the @ prefix.
func Extract(content string) []string {
	matches := handlePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	handles := make([]string, 0, len(matches))
	for _, match := range matches {
		handle := match[1]
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}

// Directory looks raw handles up against the user store.
type Directory interface {
	LookupUsersByHandles(ctx context.Context, handles []string) ([]store.User, error)
}

// Writer persists the resolved mention set onto a comment.
type Writer interface {
	SetMentions(ctx context.Context, commentID string, userIDs []string) error
}

type Resolver struct {
	directory Directory
	writer    Writer
	timeout   time.Duration
}

func NewResolver(directory Directory, writer Writer) *Resolver {
	return &Resolver{
		directory: directory,
		writer:    writer,
		timeout:   10 * time.Second,
	}
}

// Resolve looks the handles up in one batch and writes whatever subset
// matched. Unknown handles are silently skipped, so a partial match still
// records the resolved ids.
func (r *Resolver) Resolve(ctx context.Context, commentID string, handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	users, err := r.directory.LookupUsersByHandles(ctx, handles)
	if err != nil {
		return fmt.Errorf("resolve mentions: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(users))
	for _, user := range users {
		userIDs = append(userIDs, user.ID)
	}
	if err := r.writer.SetMentions(ctx, commentID, userIDs); err != nil {
		return fmt.Errorf("store mentions: %w", err)
	}
	return nil
}

// ResolveAsync runs Resolve in the background. The comment is already
// durable at this point; any failure here is logged and the comment keeps an
// empty or partial mention set.
func (r *Resolver) ResolveAsync(commentID string, handles []string) {
	if len(handles) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Resolve(ctx, commentID, handles); err != nil {
			log.Printf("mentions: comment %s: %v", commentID, err)
		}
	}()
}
