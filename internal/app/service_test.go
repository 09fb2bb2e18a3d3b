package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"threadloom/api/internal/config"
	"threadloom/api/internal/realtime"
	"threadloom/api/internal/search"
	"threadloom/api/internal/store"
)

type fakeStore struct {
	ensureUserFn      func(ctx context.Context, handle string) (store.User, error)
	getUserFn         func(ctx context.Context, userID string) (store.User, error)
	lookupHandlesFn   func(ctx context.Context, handles []string) ([]store.User, error)
	insertCommentFn   func(ctx context.Context, item store.Comment) error
	getCommentFn      func(ctx context.Context, commentID, viewerID string) (store.Comment, error)
	listTopLevelFn    func(ctx context.Context, q store.TopLevelQuery) ([]store.Comment, error)
	countTopLevelFn   func(ctx context.Context, postID string) (int, error)
	listRepliesFn     func(ctx context.Context, postID string, parentIDs []string, viewerID string) ([]store.Comment, error)
	listReplyCountsFn func(ctx context.Context, parentIDs []string) (map[string]int, error)
	likeFn            func(ctx context.Context, commentID, userID string) (store.LikeState, error)
	unlikeFn          func(ctx context.Context, commentID, userID string) (store.LikeState, error)
	updateContentFn   func(ctx context.Context, commentID, newContent string, expectedVersion int) error
	softDeleteFn      func(ctx context.Context, commentID string, expectedVersion int) error
	insertReportFn    func(ctx context.Context, report store.Report) error
	setMentionsFn     func(ctx context.Context, commentID string, userIDs []string) error
	listRevisionsFn   func(ctx context.Context, commentID string) ([]store.Revision, error)
	pingFn            func(ctx context.Context) error
}

func (f *fakeStore) EnsureUserByHandle(ctx context.Context, handle string) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, handle)
	}
	return store.User{ID: "usr_" + handle, Handle: handle, Role: "member"}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) LookupUsersByHandles(ctx context.Context, handles []string) ([]store.User, error) {
	if f.lookupHandlesFn != nil {
		return f.lookupHandlesFn(ctx, handles)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, item store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID, viewerID)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) ListTopLevel(ctx context.Context, q store.TopLevelQuery) ([]store.Comment, error) {
	if f.listTopLevelFn != nil {
		return f.listTopLevelFn(ctx, q)
	}
	return []store.Comment{}, nil
}

func (f *fakeStore) CountTopLevel(ctx context.Context, postID string) (int, error) {
	if f.countTopLevelFn != nil {
		return f.countTopLevelFn(ctx, postID)
	}
	return 0, nil
}

func (f *fakeStore) ListRepliesFor(ctx context.Context, postID string, parentIDs []string, viewerID string) ([]store.Comment, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, postID, parentIDs, viewerID)
	}
	return []store.Comment{}, nil
}

func (f *fakeStore) ListReplyCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	if f.listReplyCountsFn != nil {
		return f.listReplyCountsFn(ctx, parentIDs)
	}
	return map[string]int{}, nil
}

func (f *fakeStore) Like(ctx context.Context, commentID, userID string) (store.LikeState, error) {
	if f.likeFn != nil {
		return f.likeFn(ctx, commentID, userID)
	}
	return store.LikeState{}, nil
}

func (f *fakeStore) Unlike(ctx context.Context, commentID, userID string) (store.LikeState, error) {
	if f.unlikeFn != nil {
		return f.unlikeFn(ctx, commentID, userID)
	}
	return store.LikeState{}, nil
}

func (f *fakeStore) UpdateContent(ctx context.Context, commentID, newContent string, expectedVersion int) error {
	if f.updateContentFn != nil {
		return f.updateContentFn(ctx, commentID, newContent, expectedVersion)
	}
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, commentID string, expectedVersion int) error {
	if f.softDeleteFn != nil {
		return f.softDeleteFn(ctx, commentID, expectedVersion)
	}
	return nil
}

func (f *fakeStore) InsertReport(ctx context.Context, report store.Report) error {
	if f.insertReportFn != nil {
		return f.insertReportFn(ctx, report)
	}
	return nil
}

func (f *fakeStore) SetMentions(ctx context.Context, commentID string, userIDs []string) error {
	if f.setMentionsFn != nil {
		return f.setMentionsFn(ctx, commentID, userIDs)
	}
	return nil
}

func (f *fakeStore) ListRevisions(ctx context.Context, commentID string) ([]store.Revision, error) {
	if f.listRevisionsFn != nil {
		return f.listRevisionsFn(ctx, commentID)
	}
	return []store.Revision{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
	err    error
}

func (f *fakeBroadcaster) Publish(ctx context.Context, event realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeBroadcaster) published() []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Event(nil), f.events...)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (f *fakeResolver) ResolveAsync(commentID string, handles []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][]string{}
	}
	f.calls[commentID] = handles
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []search.CommentRecord
	deleted  []string
	response search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return f.response
}

func (f *fakeSearch) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, c)
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestService(fs *fakeStore) (*Service, *fakeBroadcaster, *fakeResolver, *fakeSearch) {
	broadcast := &fakeBroadcaster{}
	resolver := &fakeResolver{}
	searchFake := &fakeSearch{}
	svc := &Service{
		cfg:       config.Config{TokenSecret: "test-secret", RepliesPreviewLimit: 3},
		store:     fs,
		broadcast: broadcast,
		mentions:  resolver,
		search:    searchFake,
		validate:  validator.New(),
	}
	return svc, broadcast, resolver, searchFake
}

func memberSession(userID string) Session {
	return Session{UserID: userID, Handle: strings.TrimPrefix(userID, "usr_"), Role: "member"}
}

func activeComment(id, postID, authorID string) store.Comment {
	return store.Comment{
		ID:       id,
		PostID:   postID,
		AuthorID: authorID,
		Content:  "hello",
		IsActive: true,
		Version:  1,
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateCommentPersistsAndBroadcasts(t *testing.T) {
	var inserted store.Comment
	fs := &fakeStore{
		insertCommentFn: func(ctx context.Context, item store.Comment) error {
			inserted = item
			return nil
		},
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			c := inserted
			c.IsActive = true
			c.Version = 1
			return c, nil
		},
	}
	svc, broadcast, resolver, searchFake := newTestService(fs)

	created, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:  "post-1",
		Content: "  great pick @bruno  ",
		Nonce:   "temp-17",
	})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if created.Content != "great pick @bruno" {
		t.Errorf("content not trimmed: %q", created.Content)
	}
	if inserted.AuthorID != "usr_ana" || inserted.PostID != "post-1" {
		t.Errorf("unexpected insert: %+v", inserted)
	}
	if !strings.HasPrefix(inserted.ID, "cmt_") {
		t.Errorf("expected cmt_ id prefix, got %q", inserted.ID)
	}

	events := broadcast.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Kind != realtime.EventNewComment {
		t.Errorf("unexpected event kind %q", events[0].Kind)
	}
	if events[0].Nonce != "temp-17" {
		t.Errorf("nonce not echoed: %q", events[0].Nonce)
	}
	if events[0].Comment == nil || events[0].Comment.ID != created.ID {
		t.Errorf("event does not carry the created comment")
	}

	if got := resolver.calls[created.ID]; len(got) != 1 || got[0] != "bruno" {
		t.Errorf("expected mention handles [bruno], got %v", got)
	}
	if len(searchFake.indexed) != 1 || searchFake.indexed[0].ID != created.ID {
		t.Errorf("comment not indexed: %+v", searchFake.indexed)
	}
}

func TestCreateCommentRejectsBlankContent(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeStore{})

	_, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:  "post-1",
		Content: "   ",
	})
	if code := errCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCreateCommentRejectsOversizedContent(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeStore{})

	_, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:  "post-1",
		Content: strings.Repeat("x", 1001),
	})
	if code := errCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCreateCommentRejectsParentFromAnotherPost(t *testing.T) {
	parentID := "cmt_parent"
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(parentID, "post-OTHER", "usr_bruno"), nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	_, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:   "post-1",
		Content:  "reply",
		ParentID: &parentID,
	})
	if code := errCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCreateCommentParentNotFound(t *testing.T) {
	parentID := "cmt_missing"
	svc, _, _, _ := newTestService(&fakeStore{})

	_, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:   "post-1",
		Content:  "reply",
		ParentID: &parentID,
	})
	if code := errCode(t, err); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestCreateCommentBroadcastFailureDoesNotFailCreate(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_ana"), nil
		},
	}
	svc, broadcast, _, _ := newTestService(fs)
	broadcast.err = errors.New("redis down")

	_, err := svc.CreateComment(context.Background(), memberSession("usr_ana"), CreateCommentInput{
		PostID:  "post-1",
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("create should survive a broadcast failure: %v", err)
	}
}

func TestEditCommentOnlyAuthor(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_bruno"), nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	_, err := svc.EditComment(context.Background(), memberSession("usr_ana"), "cmt_1", EditCommentInput{Content: "edited"})
	if code := errCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}
}

func TestEditCommentStaleVersion(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			c := activeComment(commentID, "post-1", "usr_ana")
			c.Version = 4
			return c, nil
		},
		updateContentFn: func(ctx context.Context, commentID, newContent string, expectedVersion int) error {
			if expectedVersion != 3 {
				t.Errorf("expected version 3 to be forwarded, got %d", expectedVersion)
			}
			return store.ErrVersionConflict
		},
	}
	svc, _, _, _ := newTestService(fs)

	_, err := svc.EditComment(context.Background(), memberSession("usr_ana"), "cmt_1", EditCommentInput{
		Content: "edited",
		Version: 3,
	})
	if code := errCode(t, err); code != "VERSION_CONFLICT" {
		t.Errorf("expected VERSION_CONFLICT, got %s", code)
	}
}

func TestEditCommentZeroVersionUsesCurrent(t *testing.T) {
	var forwarded int
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			c := activeComment(commentID, "post-1", "usr_ana")
			c.Version = 7
			return c, nil
		},
		updateContentFn: func(ctx context.Context, commentID, newContent string, expectedVersion int) error {
			forwarded = expectedVersion
			return nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	if _, err := svc.EditComment(context.Background(), memberSession("usr_ana"), "cmt_1", EditCommentInput{Content: "edited"}); err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	if forwarded != 7 {
		t.Errorf("expected current version 7, got %d", forwarded)
	}
}

func TestEditCommentCarriesRevisionHistory(t *testing.T) {
	var reads int
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			c := activeComment(commentID, "post-1", "usr_ana")
			reads++
			if reads > 1 {
				// The reload after a successful update sees the bumped row.
				c.Version = 2
			}
			return c, nil
		},
		listRevisionsFn: func(ctx context.Context, commentID string) ([]store.Revision, error) {
			return []store.Revision{{Content: "first"}, {Content: "second"}}, nil
		},
	}
	svc, broadcast, _, searchFake := newTestService(fs)

	updated, err := svc.EditComment(context.Background(), memberSession("usr_ana"), "cmt_1", EditCommentInput{Content: "third"})
	if err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	if len(updated.EditHistory) != 2 {
		t.Errorf("expected 2 revisions, got %d", len(updated.EditHistory))
	}
	if len(searchFake.indexed) != 1 {
		t.Errorf("edited comment should be reindexed")
	}
	events := broadcast.published()
	if len(events) != 1 || events[0].Action != "edit" {
		t.Fatalf("expected one edit event, got %+v", events)
	}
	if events[0].Version != 2 {
		t.Errorf("edit event should carry the new version, got %d", events[0].Version)
	}
}

func TestDeleteCommentModeratorAllowed(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_ana"), nil
		},
	}
	svc, broadcast, _, searchFake := newTestService(fs)

	moderator := Session{UserID: "usr_mod", Role: "moderator"}
	if err := svc.DeleteComment(context.Background(), moderator, "cmt_1", 0); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	events := broadcast.published()
	if len(events) != 1 || events[0].Kind != realtime.EventCommentDeleted {
		t.Errorf("expected one deleted event, got %+v", events)
	}
	if len(searchFake.deleted) != 1 || searchFake.deleted[0] != "cmt_1" {
		t.Errorf("comment not removed from the index")
	}
}

func TestDeleteCommentOtherUserForbidden(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_ana"), nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	err := svc.DeleteComment(context.Background(), memberSession("usr_bruno"), "cmt_1", 0)
	if code := errCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}
}

func TestLikeBroadcastsState(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_ana"), nil
		},
		likeFn: func(ctx context.Context, commentID, userID string) (store.LikeState, error) {
			return store.LikeState{Likes: 5, IsLiked: true}, nil
		},
	}
	svc, broadcast, _, _ := newTestService(fs)

	state, err := svc.Like(context.Background(), memberSession("usr_bruno"), "cmt_1")
	if err != nil {
		t.Fatalf("Like: %v", err)
	}
	if state.Likes != 5 || !state.IsLiked {
		t.Errorf("unexpected state %+v", state)
	}
	events := broadcast.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Action != "like" || events[0].Likes == nil || *events[0].Likes != 5 {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestLikeDeletedCommentNotFound(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			c := activeComment(commentID, "post-1", "usr_ana")
			c.IsActive = false
			return c, nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	_, err := svc.Like(context.Background(), memberSession("usr_bruno"), "cmt_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestReportValidatesReason(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeStore{})

	err := svc.ReportComment(context.Background(), memberSession("usr_ana"), "cmt_1", ReportInput{Reason: "because"})
	if code := errCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestReportDuplicatesAccepted(t *testing.T) {
	var reports []store.Report
	fs := &fakeStore{
		getCommentFn: func(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
			return activeComment(commentID, "post-1", "usr_ana"), nil
		},
		insertReportFn: func(ctx context.Context, report store.Report) error {
			reports = append(reports, report)
			return nil
		},
	}
	svc, _, _, _ := newTestService(fs)

	session := memberSession("usr_bruno")
	input := ReportInput{Reason: "spam", Description: "promo link"}
	if err := svc.ReportComment(context.Background(), session, "cmt_1", input); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := svc.ReportComment(context.Background(), session, "cmt_1", input); err != nil {
		t.Fatalf("second report: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 stored reports, got %d", len(reports))
	}
	if reports[0].ID == reports[1].ID {
		t.Errorf("reports must get distinct ids")
	}
}

func TestLoginNormalizesHandle(t *testing.T) {
	var seen string
	fs := &fakeStore{
		ensureUserFn: func(ctx context.Context, handle string) (store.User, error) {
			seen = handle
			return store.User{ID: "usr_1", Handle: handle, Role: "member"}, nil
		},
	}
	svc, _, _, _ := newTestService(fs)
	svc.cfg.AccessTTL = time.Hour

	session, err := svc.Login(context.Background(), "  Maria_Shopper ")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if seen != "maria_shopper" {
		t.Errorf("handle not normalized: %q", seen)
	}
	if session.Token == "" {
		t.Errorf("expected a token")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.Handle != "maria_shopper" {
		t.Errorf("unexpected parsed session %+v", parsed)
	}
}
