// Package matrix is a small Matrix Client-Server API client covering what the
// bridge needs: account registration and login, room creation and membership,
// messages, media, sync, and profile updates.
//
// Calls carry the acting user's access token explicitly, so one Client serves
// every identity. Each call runs under a bounded timeout and through a shared
// circuit breaker; 4xx answers count as successful calls for the breaker,
// since the backend was reachable and answered.
package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tbourn/go-messenger-bridge/internal/observability"
)

const (
	clientPrefix = "/_matrix/client/v3"
	mediaPrefix  = "/_matrix/media/v3"

	maxResponseBytes = 64 << 20
)

// Config configures a Client.
type Config struct {
	// HomeserverURL is the base URL, e.g. "http://conduit:6167".
	HomeserverURL string
	// ServerName is the domain part of account ids, e.g. "hub.local".
	ServerName string
	// Timeout bounds ordinary calls. Defaults to 30s.
	Timeout time.Duration
	// LongTimeout bounds uploads, downloads, and sync. Defaults to 60s.
	LongTimeout time.Duration
	// HTTPClient overrides the transport. Its Timeout should be zero; the
	// client applies per-call deadlines through the context.
	HTTPClient *http.Client
	// BreakerName labels circuit breaker metrics. Defaults to "matrix".
	BreakerName string
}

// Client talks to one homeserver. It is safe for concurrent use.
type Client struct {
	baseURL     string
	serverName  string
	httpClient  *http.Client
	timeout     time.Duration
	longTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker[[]byte]
	breakerName string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("matrix: homeserver URL is required")
	}
	parsed, err := url.Parse(cfg.HomeserverURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q", cfg.HomeserverURL)
	}
	if cfg.ServerName == "" {
		return nil, errors.New("matrix: server name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LongTimeout < cfg.Timeout {
		cfg.LongTimeout = 2 * cfg.Timeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "matrix"
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		serverName:  cfg.ServerName,
		httpClient:  cfg.HTTPClient,
		timeout:     cfg.Timeout,
		longTimeout: cfg.LongTimeout,
		breakerName: cfg.BreakerName,
	}
	c.breaker = newBreaker(cfg.BreakerName)
	return c, nil
}

// ServerName returns the homeserver domain used in account ids.
func (c *Client) ServerName() string { return c.serverName }

// BaseURL returns the homeserver base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// UserID builds a fully qualified account id from a localpart.
func (c *Client) UserID(localpart string) string {
	return "@" + localpart + ":" + c.serverName
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// ServerVersions probes the homeserver.
func (c *Client) ServerVersions(ctx context.Context) (*VersionsResponse, error) {
	body, err := c.doRequest(ctx, "versions", http.MethodGet, "/_matrix/client/versions", "", nil)
	if err != nil {
		return nil, err
	}
	var out VersionsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding versions: %w", err)
	}
	return &out, nil
}

// Register creates an account with the dummy auth flow.
func (c *Client) Register(ctx context.Context, username, password string) (*AuthResponse, error) {
	req := map[string]any{
		"username":                    username,
		"password":                    password,
		"auth":                        map[string]string{"type": "m.login.dummy"},
		"inhibit_login":               false,
		"initial_device_display_name": "messenger-bridge",
	}
	return c.auth(ctx, "register", clientPrefix+"/register", req)
}

// Login authenticates with a password.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	req := map[string]any{
		"type":                        "m.login.password",
		"identifier":                  map[string]string{"type": "m.id.user", "user": username},
		"password":                    password,
		"initial_device_display_name": "messenger-bridge",
	}
	return c.auth(ctx, "login", clientPrefix+"/login", req)
}

func (c *Client) auth(ctx context.Context, op, path string, req any) (*AuthResponse, error) {
	body, err := c.doRequest(ctx, op, http.MethodPost, path, "", req)
	if err != nil {
		return nil, err
	}
	var out AuthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding %s response: %w", op, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("matrix: %s response carried no access token", op)
	}
	return &out, nil
}

// SetDisplayName sets the profile display name of userID.
func (c *Client) SetDisplayName(ctx context.Context, token, userID, name string) error {
	path := clientPrefix + "/profile/" + url.PathEscape(userID) + "/displayname"
	_, err := c.doRequest(ctx, "set_displayname", http.MethodPut, path, token, map[string]string{"displayname": name})
	return err
}

// CreateRoom creates a room and returns its id.
func (c *Client) CreateRoom(ctx context.Context, token string, req CreateRoomRequest) (string, error) {
	body, err := c.doRequest(ctx, "create_room", http.MethodPost, clientPrefix+"/createRoom", token, req)
	if err != nil {
		return "", err
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("matrix: decoding createRoom response: %w", err)
	}
	if out.RoomID == "" {
		return "", errors.New("matrix: createRoom response carried no room_id")
	}
	return out.RoomID, nil
}

// JoinRoom joins the token's user to roomID.
func (c *Client) JoinRoom(ctx context.Context, token, roomID string) error {
	_, err := c.doRequest(ctx, "join", http.MethodPost, clientPrefix+"/join/"+url.PathEscape(roomID), token, map[string]any{})
	return err
}

// InviteUser invites userID into roomID.
func (c *Client) InviteUser(ctx context.Context, token, roomID, userID string) error {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/invite"
	_, err := c.doRequest(ctx, "invite", http.MethodPost, path, token, map[string]string{"user_id": userID})
	return err
}

// JoinedRooms lists the rooms the token's user has joined.
func (c *Client) JoinedRooms(ctx context.Context, token string) ([]string, error) {
	body, err := c.doRequest(ctx, "joined_rooms", http.MethodGet, clientPrefix+"/joined_rooms", token, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding joined_rooms: %w", err)
	}
	return out.JoinedRooms, nil
}

// JoinedMembers lists the account ids joined to roomID.
func (c *Client) JoinedMembers(ctx context.Context, token, roomID string) ([]string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/joined_members"
	body, err := c.doRequest(ctx, "joined_members", http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding joined_members: %w", err)
	}
	members := make([]string, 0, len(out.Joined))
	for id := range out.Joined {
		members = append(members, id)
	}
	return members, nil
}

// SendMessage sends an m.room.message event and returns its event id.
func (c *Client) SendMessage(ctx context.Context, token, roomID string, content map[string]any) (string, error) {
	return c.SendEvent(ctx, token, roomID, "m.room.message", content)
}

// SendEvent sends a timeline event with a fresh transaction id.
func (c *Client) SendEvent(ctx context.Context, token, roomID, eventType string, content map[string]any) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	return c.eventID(ctx, "send", http.MethodPut, path, token, content)
}

// SendStateEvent sets a state event and returns its event id.
func (c *Client) SendStateEvent(ctx context.Context, token, roomID, eventType, stateKey string, content map[string]any) (string, error) {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	return c.eventID(ctx, "send_state", http.MethodPut, path, token, content)
}

func (c *Client) eventID(ctx context.Context, op, method, path, token string, content any) (string, error) {
	body, err := c.doRequest(ctx, op, method, path, token, content)
	if err != nil {
		return "", err
	}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("matrix: decoding %s response: %w", op, err)
	}
	return out.EventID, nil
}

// RoomMessages pages through a room's timeline.
func (c *Client) RoomMessages(ctx context.Context, token, roomID string, q MessagesQuery) (*MessagesResponse, error) {
	query := url.Values{}
	dir := q.Dir
	if dir == "" {
		dir = "b"
	}
	query.Set("dir", dir)
	if q.From != "" {
		query.Set("from", q.From)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/messages"
	body, err := c.doRequest(ctx, "messages", http.MethodGet, path, token, nil, query)
	if err != nil {
		return nil, err
	}
	var out MessagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding messages: %w", err)
	}
	return &out, nil
}

// Sync performs one long-poll sync. The call deadline is the long-poll
// timeout plus the long call budget.
func (c *Client) Sync(ctx context.Context, token, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	ctx, cancel := context.WithTimeout(ctx, timeout+c.longTimeout)
	defer cancel()
	body, err := c.do(ctx, "sync", 0, func(ctx context.Context) (*http.Request, error) {
		return c.newJSONRequest(ctx, http.MethodGet, clientPrefix+"/sync", token, nil, query)
	})
	if err != nil {
		return nil, err
	}
	var out SyncResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("matrix: decoding sync: %w", err)
	}
	return &out, nil
}

// UploadMedia stores data in the content repository and returns its mxc:// URI.
func (c *Client) UploadMedia(ctx context.Context, token, contentType, filename string, data []byte) (string, error) {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	body, err := c.do(ctx, "upload", c.longTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mediaPrefix+"/upload?"+query.Encode(), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("matrix: decoding upload response: %w", err)
	}
	return out.ContentURI, nil
}

// DownloadMedia fetches mxc://server/mediaID, trying the authenticated media
// endpoint first and the legacy one second.
func (c *Client) DownloadMedia(ctx context.Context, token, server, mediaID string) (*Media, error) {
	paths := []string{
		"/_matrix/client/v1/media/download/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID),
		mediaPrefix + "/download/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID),
	}
	var lastErr error
	for _, p := range paths {
		var contentType string
		body, err := c.do(ctx, "download", c.longTimeout, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return req, nil
		}, func(resp *http.Response) { contentType = resp.Header.Get("Content-Type") })
		if err == nil {
			return &Media{ContentType: contentType, Body: body}, nil
		}
		lastErr = err
		if !IsMatrixError(err, ErrCodeNotFound) && !IsMatrixError(err, "M_UNRECOGNIZED") {
			break
		}
	}
	return nil, lastErr
}

// doRequest sends a JSON request under the ordinary timeout.
func (c *Client) doRequest(ctx context.Context, op, method, path, token string, requestBody any, query ...url.Values) ([]byte, error) {
	return c.do(ctx, op, c.timeout, func(ctx context.Context) (*http.Request, error) {
		return c.newJSONRequest(ctx, method, path, token, requestBody, query...)
	})
}

func (c *Client) newJSONRequest(ctx context.Context, method, path, token string, requestBody any, query ...url.Values) (*http.Request, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do runs one HTTP exchange through the breaker. A zero timeout keeps the
// caller's deadline. inspect, when given, sees the successful response
// before its body is read.
func (c *Client) do(ctx context.Context, op string, timeout time.Duration, build func(context.Context) (*http.Request, error), inspect ...func(*http.Response)) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("matrix: request to %s %s failed: %w", req.Method, req.URL.Path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			for _, f := range inspect {
				f(resp)
			}
			return respBody, nil
		}

		matrixErr := &MatrixError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, matrixErr); jsonErr != nil || matrixErr.Code == "" {
			matrixErr.Code = ErrCodeUnknown
			matrixErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, matrixErr
	})
	observability.MatrixLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	observability.MatrixRequests.WithLabelValues(op, outcome(err)).Inc()
	return body, err
}

func outcome(err error) string {
	var matrixErr *MatrixError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case errors.As(err, &matrixErr) && matrixErr.StatusCode < 500:
		return "client_error"
	case errors.As(err, &matrixErr):
		return "server_error"
	default:
		return "network_error"
	}
}
