// Package restapi is the client for the authority's room lifecycle API.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/party-room/pkg/types"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrRoomNotFound   = errors.New("room not found")
	ErrAlreadyStarted = errors.New("game already started")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotWinner      = errors.New("only the winner can save")
	ErrAlreadySaved   = errors.New("result already saved")
)

// APIError is a non-2xx reply. It unwraps to the matching sentinel when the code is known.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case types.CodeRoomFull:
		return ErrRoomFull
	case types.CodeRoomNotFound:
		return ErrRoomNotFound
	case types.CodeAlreadyStarted:
		return ErrAlreadyStarted
	case types.CodeNotWinner:
		return ErrNotWinner
	case types.CodeAlreadySaved:
		return ErrAlreadySaved
	}
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrRoomNotFound
	}
	return nil
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("restapi"),
	}
}

// WithToken returns a copy of the client that sends token as its bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) GuestLogin(ctx context.Context, name string) (types.GuestLoginResponse, error) {
	var out types.GuestLoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/guest", types.GuestLoginRequest{Name: name}, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, tags []string) (types.CreateRoomResponse, error) {
	var out types.CreateRoomResponse
	err := c.do(ctx, http.MethodPost, "/rooms/create", types.CreateRoomRequest{Tags: tags}, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, joinCode string) (types.JoinRoomResponse, error) {
	var out types.JoinRoomResponse
	err := c.do(ctx, http.MethodPost, "/rooms/join", types.JoinRoomRequest{JoinCode: joinCode}, &out)
	return out, err
}

func (c *Client) GetRoom(ctx context.Context, joinCode string) (types.RoomSnapshot, error) {
	var out types.RoomSnapshot
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(joinCode), nil, &out)
	return out, err
}

func (c *Client) StartSingle(ctx context.Context) (types.SingleStartResponse, error) {
	var out types.SingleStartResponse
	err := c.do(ctx, http.MethodPost, "/games/single/start", nil, &out)
	return out, err
}

func (c *Client) CompleteSingle(ctx context.Context, runID string, clearTime time.Duration) error {
	req := types.SingleCompleteRequest{RunID: runID, ClearTimeMs: types.ToMillis(clearTime)}
	return c.do(ctx, http.MethodPost, "/games/single/complete", req, nil)
}

func (c *Client) SaveToPlanet(ctx context.Context, req types.SaveToPlanetRequest) (types.SaveToPlanetResponse, error) {
	var out types.SaveToPlanetResponse
	err := c.do(ctx, http.MethodPost, "/games/multiplay/save-to-planet", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
			apiErr.Code, apiErr.Message = er.Code, er.Message
		}
		c.logger.Debug("request rejected",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("code", apiErr.Code))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
