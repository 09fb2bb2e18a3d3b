package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threadloom/api/internal/store"
)

// HTTPBackend implements Backend against the comment API.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPBackend(baseURL, token string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *HTTPBackend) FetchPage(ctx context.Context, postID string, page, limit int) (Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var payload struct {
		Comments   []*store.Comment `json:"comments"`
		Pagination struct {
			Total int `json:"total"`
			Pages int `json:"pages"`
		} `json:"pagination"`
	}
	path := fmt.Sprintf("/api/posts/%s/comments?%s", url.PathEscape(postID), query.Encode())
	if err := b.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return Page{}, err
	}
	return Page{Comments: payload.Comments, Total: payload.Pagination.Total, Pages: payload.Pagination.Pages}, nil
}

func (b *HTTPBackend) FetchThread(ctx context.Context, commentID string, maxDepth int) (*store.Comment, error) {
	path := fmt.Sprintf("/api/comments/%s/thread", url.PathEscape(commentID))
	if maxDepth > 0 {
		path += "?maxDepth=" + strconv.Itoa(maxDepth)
	}
	var payload struct {
		Comment *store.Comment `json:"comment"`
	}
	if err := b.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Comment, nil
}

func (b *HTTPBackend) CreateComment(ctx context.Context, postID, content string, parentID *string, nonce string) (*store.Comment, error) {
	body := map[string]any{"content": content, "nonce": nonce}
	if parentID != nil {
		body["parentId"] = *parentID
	}
	var payload struct {
		Comment *store.Comment `json:"comment"`
	}
	path := fmt.Sprintf("/api/posts/%s/comments", url.PathEscape(postID))
	if err := b.do(ctx, http.MethodPost, path, body, &payload); err != nil {
		return nil, err
	}
	return payload.Comment, nil
}

func (b *HTTPBackend) Like(ctx context.Context, commentID string) (store.LikeState, error) {
	return b.likeRequest(ctx, http.MethodPost, commentID)
}

func (b *HTTPBackend) Unlike(ctx context.Context, commentID string) (store.LikeState, error) {
	return b.likeRequest(ctx, http.MethodDelete, commentID)
}

func (b *HTTPBackend) likeRequest(ctx context.Context, method, commentID string) (store.LikeState, error) {
	var state store.LikeState
	path := fmt.Sprintf("/api/comments/%s/like", url.PathEscape(commentID))
	if err := b.do(ctx, method, path, nil, &state); err != nil {
		return store.LikeState{}, err
	}
	return state, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Code == "" {
			apiErr.Code = resp.Status
		}
		return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, apiErr.Code)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
