package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"threadloom/api/internal/auth"
	"threadloom/api/internal/config"
	"threadloom/api/internal/mentions"
	"threadloom/api/internal/realtime"
	"threadloom/api/internal/search"
	"threadloom/api/internal/store"
	"threadloom/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	Handle    string
	Role      string
	ExpiresAt time.Time
}

func (s Session) canModerate() bool {
	return s.Role == "moderator" || s.Role == "admin"
}

type CreateCommentInput struct {
	PostID   string  `validate:"required"`
	Content  string  `validate:"required,max=1000"`
	ParentID *string `validate:"omitempty,min=1"`
	// Nonce is the client's optimistic-entry marker, echoed on the
	// new-comment event so the originator can reconcile.
	Nonce string `validate:"omitempty,max=64"`
}

type EditCommentInput struct {
	Content string `validate:"required,max=1000"`
	// Version is the version the editor last saw. Zero skips the guard.
	Version int `validate:"min=0"`
}

type ReportInput struct {
	Reason      string `validate:"required,oneof=spam harassment hate-speech misinformation inappropriate other"`
	Description string `validate:"max=500"`
}

type TopLevelInput struct {
	PostID    string `validate:"required"`
	Page      int    `validate:"min=0"`
	Limit     int    `validate:"min=0,max=50"`
	SortBy    string `validate:"omitempty,oneof=createdAt likeCount"`
	SortOrder string `validate:"omitempty,oneof=asc desc"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type CommentPage struct {
	Comments   []*store.Comment `json:"comments"`
	Pagination Pagination       `json:"pagination"`
}

type dataStore interface {
	EnsureUserByHandle(ctx context.Context, handle string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	LookupUsersByHandles(ctx context.Context, handles []string) ([]store.User, error)
	InsertComment(ctx context.Context, item store.Comment) error
	GetComment(ctx context.Context, commentID, viewerID string) (store.Comment, error)
	ListTopLevel(ctx context.Context, q store.TopLevelQuery) ([]store.Comment, error)
	CountTopLevel(ctx context.Context, postID string) (int, error)
	ListRepliesFor(ctx context.Context, postID string, parentIDs []string, viewerID string) ([]store.Comment, error)
	ListReplyCounts(ctx context.Context, parentIDs []string) (map[string]int, error)
	Like(ctx context.Context, commentID, userID string) (store.LikeState, error)
	Unlike(ctx context.Context, commentID, userID string) (store.LikeState, error)
	UpdateContent(ctx context.Context, commentID, newContent string, expectedVersion int) error
	SoftDelete(ctx context.Context, commentID string, expectedVersion int) error
	InsertReport(ctx context.Context, report store.Report) error
	SetMentions(ctx context.Context, commentID string, userIDs []string) error
	ListRevisions(ctx context.Context, commentID string) ([]store.Revision, error)
	Ping(ctx context.Context) error
}

type broadcaster interface {
	Publish(ctx context.Context, event realtime.Event) error
}

type mentionResolver interface {
	ResolveAsync(commentID string, handles []string)
}

type sessionStore interface {
	SaveSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexComment(c search.CommentRecord)
	DeleteComment(id string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	broadcast broadcaster
	mentions  mentionResolver
	search    searchIndex
	validate  *validator.Validate
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, broadcast broadcaster, searchService searchIndex) *Service {
	service := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		broadcast: broadcast,
		search:    searchService,
		validate:  validator.New(),
	}
	if dataStore != nil {
		service.mentions = mentions.NewResolver(dataStore, dataStore)
	}
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login ensures the user exists and issues an access token. Password and
// identity flows belong to the wider platform; this service only needs a
// user id to attribute comments to.
func (s *Service) Login(ctx context.Context, handle string) (Session, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return Session{}, errValidation("handle is required")
	}

	user, err := s.store.EnsureUserByHandle(ctx, handle)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.ID,
		Handle: user.Handle,
		Role:   user.Role,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	if s.sessions != nil {
		if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user, expiresAt); err != nil {
			log.Printf("session: save failed for %s: %v", user.ID, err)
		}
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Handle:    user.Handle,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err == nil {
		return Session{
			Token:     token,
			UserID:    claims.Sub,
			Handle:    claims.Handle,
			Role:      claims.Role,
			ExpiresAt: time.Unix(claims.Exp, 0),
		}, nil
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		return Session{}, err
	}

	// Opaque tokens issued elsewhere on the platform resolve via Redis.
	if s.sessions != nil {
		user, lookupErr := s.sessions.LookupSession(ctx, auth.HashToken(token))
		if lookupErr == nil {
			return Session{Token: token, UserID: user.ID, Handle: user.Handle, Role: user.Role}, nil
		}
	}
	return Session{}, err
}

func (s *Service) Logout(ctx context.Context, session Session) {
	if s.sessions == nil || session.Token == "" {
		return
	}
	if err := s.sessions.RevokeSession(ctx, auth.HashToken(session.Token)); err != nil {
		log.Printf("session: revoke failed: %v", err)
	}
}

// AuthenticateWS resolves a websocket client token to a user id.
func (s *Service) AuthenticateWS(ctx context.Context, token string) (string, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

// CreateComment persists a new comment and kicks off its secondary effects:
// mention resolution, search indexing and the new-comment broadcast. The
// secondary effects never fail the create.
func (s *Service) CreateComment(ctx context.Context, session Session, input CreateCommentInput) (store.Comment, error) {
	input.Content = strings.TrimSpace(input.Content)
	if err := s.validate.Struct(input); err != nil {
		return store.Comment{}, errValidation("content must be 1-1000 characters")
	}

	if input.ParentID != nil {
		parent, err := s.store.GetComment(ctx, *input.ParentID, session.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Comment{}, domainError(http.StatusNotFound, "NOT_FOUND", "Parent comment not found", nil)
			}
			return store.Comment{}, err
		}
		if parent.PostID != input.PostID {
			return store.Comment{}, errValidation("parent comment belongs to a different post")
		}
	}

	// Phase 1: collect raw @handles before the write.
	handles := mentions.Extract(input.Content)

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		PostID:   input.PostID,
		AuthorID: session.UserID,
		Content:  input.Content,
		ParentID: input.ParentID,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}

	created, err := s.store.GetComment(ctx, comment.ID, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}

	// Phase 2 runs in the background; mentions may lag this response.
	if s.mentions != nil {
		s.mentions.ResolveAsync(created.ID, handles)
	}
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:       created.ID,
			PostID:   created.PostID,
			AuthorID: created.AuthorID,
			Content:  created.Content,
		})
	}
	s.publish(ctx, realtime.Event{
		Kind:    realtime.EventNewComment,
		PostID:  created.PostID,
		Comment: &created,
		Nonce:   input.Nonce,
	})

	return created, nil
}

func (s *Service) FetchTopLevel(ctx context.Context, session Session, input TopLevelInput) (CommentPage, error) {
	if err := s.validate.Struct(input); err != nil {
		return CommentPage{}, errValidation("invalid pagination or sort parameters")
	}
	if input.Page < 1 {
		input.Page = 1
	}
	if input.Limit < 1 {
		input.Limit = 10
	}
	if input.SortBy == "" {
		input.SortBy = "createdAt"
	}
	if input.SortOrder == "" {
		input.SortOrder = "desc"
	}

	comments, err := s.store.ListTopLevel(ctx, store.TopLevelQuery{
		PostID:    input.PostID,
		Limit:     input.Limit,
		Offset:    (input.Page - 1) * input.Limit,
		SortBy:    input.SortBy,
		SortOrder: input.SortOrder,
		ViewerID:  session.UserID,
	})
	if err != nil {
		return CommentPage{}, err
	}

	nodes, err := s.attachReplies(ctx, session.UserID, input.PostID, comments)
	if err != nil {
		return CommentPage{}, err
	}

	total, err := s.store.CountTopLevel(ctx, input.PostID)
	if err != nil {
		return CommentPage{}, err
	}
	pages := total / input.Limit
	if total%input.Limit != 0 {
		pages++
	}

	return CommentPage{
		Comments: nodes,
		Pagination: Pagination{
			Page:  input.Page,
			Limit: input.Limit,
			Total: total,
			Pages: pages,
		},
	}, nil
}

func (s *Service) Like(ctx context.Context, session Session, commentID string) (store.LikeState, error) {
	return s.toggleLike(ctx, session, commentID, "like")
}

func (s *Service) Unlike(ctx context.Context, session Session, commentID string) (store.LikeState, error) {
	return s.toggleLike(ctx, session, commentID, "unlike")
}

func (s *Service) toggleLike(ctx context.Context, session Session, commentID, action string) (store.LikeState, error) {
	comment, err := s.activeComment(ctx, commentID, session.UserID)
	if err != nil {
		return store.LikeState{}, err
	}

	var state store.LikeState
	if action == "like" {
		state, err = s.store.Like(ctx, commentID, session.UserID)
	} else {
		state, err = s.store.Unlike(ctx, commentID, session.UserID)
	}
	if err != nil {
		return store.LikeState{}, err
	}

	s.publish(ctx, realtime.Event{
		Kind:      realtime.EventCommentUpdated,
		PostID:    comment.PostID,
		CommentID: commentID,
		Likes:     &state.Likes,
		IsLiked:   &state.IsLiked,
		Action:    action,
	})
	return state, nil
}

func (s *Service) EditComment(ctx context.Context, session Session, commentID string, input EditCommentInput) (store.Comment, error) {
	input.Content = strings.TrimSpace(input.Content)
	if err := s.validate.Struct(input); err != nil {
		return store.Comment{}, errValidation("content must be 1-1000 characters")
	}

	comment, err := s.activeComment(ctx, commentID, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != session.UserID {
		return store.Comment{}, errForbidden("only the author can edit a comment")
	}

	expected := input.Version
	if expected == 0 {
		expected = comment.Version
	}
	if err := s.store.UpdateContent(ctx, commentID, input.Content, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return store.Comment{}, errVersionConflict()
		}
		return store.Comment{}, err
	}

	updated, err := s.store.GetComment(ctx, commentID, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	if revisions, err := s.store.ListRevisions(ctx, commentID); err == nil {
		updated.EditHistory = revisions
	}

	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:       updated.ID,
			PostID:   updated.PostID,
			AuthorID: updated.AuthorID,
			Content:  updated.Content,
		})
	}
	s.publish(ctx, realtime.Event{
		Kind:      realtime.EventCommentUpdated,
		PostID:    updated.PostID,
		CommentID: updated.ID,
		Likes:     &updated.Likes,
		IsLiked:   &updated.IsLiked,
		Action:    "edit",
		Content:   updated.Content,
		Version:   updated.Version,
	})
	return updated, nil
}

// DeleteComment soft-deletes. Replies stay in place; thread views render the
// deleted parent as a tombstone.
func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string, version int) error {
	comment, err := s.activeComment(ctx, commentID, session.UserID)
	if err != nil {
		return err
	}
	if comment.AuthorID != session.UserID && !session.canModerate() {
		return errForbidden("only the author or a moderator can delete a comment")
	}

	expected := version
	if expected == 0 {
		expected = comment.Version
	}
	if err := s.store.SoftDelete(ctx, commentID, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return errVersionConflict()
		}
		return err
	}

	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	s.publish(ctx, realtime.Event{
		Kind:      realtime.EventCommentDeleted,
		PostID:    comment.PostID,
		CommentID: commentID,
	})
	return nil
}

// ReportComment appends a report entry. Duplicate reports from the same user
// are accepted; collapsing them is a moderation-view concern.
func (s *Service) ReportComment(ctx context.Context, session Session, commentID string, input ReportInput) error {
	if err := s.validate.Struct(input); err != nil {
		return errValidation("reason must be one of spam, harassment, hate-speech, misinformation, inappropriate, other")
	}
	if _, err := s.activeComment(ctx, commentID, session.UserID); err != nil {
		return err
	}
	return s.store.InsertReport(ctx, store.Report{
		ID:          util.NewID("rpt"),
		CommentID:   commentID,
		ReporterID:  session.UserID,
		Reason:      input.Reason,
		Description: strings.TrimSpace(input.Description),
	})
}

// ListRevisions returns a comment's prior contents, oldest first.
func (s *Service) ListRevisions(ctx context.Context, session Session, commentID string) ([]store.Revision, error) {
	if _, err := s.activeComment(ctx, commentID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, commentID)
}

// SearchComments searches the active comments of one post.
func (s *Service) SearchComments(ctx context.Context, postID, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:   strings.TrimSpace(text),
		PostID: postID,
		Limit:  limit,
		Offset: offset,
	}), nil
}

// activeComment loads a comment and hides soft-deleted ones behind NOT_FOUND.
func (s *Service) activeComment(ctx context.Context, commentID, viewerID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID, viewerID)
	if err != nil {
		return store.Comment{}, err
	}
	if !comment.IsActive {
		return store.Comment{}, sql.ErrNoRows
	}
	return comment, nil
}

// publish emits a room event. Broadcast failures are transient by contract:
// the mutation already committed, so they are logged and swallowed.
func (s *Service) publish(ctx context.Context, event realtime.Event) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast.Publish(ctx, event); err != nil {
		log.Printf("broadcast: %s for %s: %v", event.Kind, event.PostID, err)
	}
}
