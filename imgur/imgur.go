// Package imgur wraps the Imgur v3 API for the single purpose of uploading
// bridged images and materializing albums. Tokens are persisted via the
// provided TokenStore interface so they can be refreshed and reused by
// workers; without a stored token the client falls back to anonymous
// Client-ID uploads.
package imgur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const provider = "imgur"

// Endpoint is Imgur's OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://api.imgur.com/oauth2/authorize",
	TokenURL: "https://api.imgur.com/oauth2/token",
}

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, scope string, err error)
}

// Client performs image and album operations. BaseURL and HTTPClient are
// injectable for tests; zero values hit the real API.
type Client struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client

	oauth *oauth2.Config
	store TokenStore
}

func New(clientID, clientSecret string, ts TokenStore) *Client {
	return &Client{
		ClientID: clientID,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     Endpoint,
		},
		store: ts,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://api.imgur.com"
}

// StatusError is an API-level failure carrying the HTTP status for retry
// classification by the upload worker.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("imgur: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

// SeedRefreshToken stores a refresh token (e.g. from the environment on first
// boot) if no token row exists yet, so the refresher has something to work with.
func (c *Client) SeedRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" || c.store == nil {
		return nil
	}
	_, existing, _, _, err := c.store.GetOAuthToken(ctx, provider)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	slog.Info("seeding imgur refresh token from environment")
	return c.store.UpsertOAuthToken(ctx, provider, "", refreshToken, time.Now(), "")
}

// refreshIfNeeded returns a usable access token, refreshing through the OAuth2
// token source when the stored one is within 2 minutes of expiry. Returns an
// empty token (no error) when no token is stored at all.
func (c *Client) refreshIfNeeded(ctx context.Context) (string, error) {
	if c.store == nil {
		return "", nil
	}
	access, refresh, expiry, scope, err := c.store.GetOAuthToken(ctx, provider)
	if err != nil {
		return "", err
	}
	if access == "" && refresh == "" {
		return "", nil
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if tok.AccessToken != "" && time.Until(tok.Expiry) > 2*time.Minute {
		return tok.AccessToken, nil
	}
	newTok, err := c.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return "", fmt.Errorf("imgur token refresh: %w", err)
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = refresh
	}
	_ = c.store.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, scope)
	return newTok.AccessToken, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.refreshIfNeeded(ctx)
	if err != nil {
		// A broken refresh shouldn't strand uploads if anonymous access works.
		slog.Warn("imgur token unavailable, falling back to anonymous", slog.Any("err", err))
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	}
	if c.ClientID == "" {
		return fmt.Errorf("imgur: no access token and no client id configured")
	}
	req.Header.Set("Authorization", "Client-ID "+c.ClientID)
	return nil
}

// Upload sends image bytes and returns the public link plus the deletehash
// used for album membership.
func (c *Client) Upload(ctx context.Context, image []byte, name, title string) (string, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", "", err
	}
	if _, err := fw.Write(image); err != nil {
		return "", "", err
	}
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("title", title)
	if err := mw.Close(); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/3/image", &buf)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return "", "", err
	}

	var data struct {
		Link       string `json:"link"`
		DeleteHash string `json:"deletehash"`
		ID         string `json:"id"`
	}
	if err := c.do(req, &data); err != nil {
		return "", "", err
	}
	if data.Link == "" {
		return "", "", fmt.Errorf("imgur upload: empty link in response")
	}
	return data.Link, data.DeleteHash, nil
}

// CreateAlbum groups previously uploaded images (by deletehash) into an album
// and returns the album URL.
func (c *Client) CreateAlbum(ctx context.Context, deleteHashes []string, title string) (string, error) {
	form := url.Values{}
	form.Set("deletehashes", strings.Join(deleteHashes, ","))
	form.Set("title", title)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/3/album", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &data); err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", fmt.Errorf("imgur album: empty id in response")
	}
	return "https://imgur.com/a/" + data.ID, nil
}

// do executes the request and decodes the standard {data, success, status} envelope.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var envelope struct {
		Data    json.RawMessage `json:"data"`
		Success bool            `json:"success"`
		Status  int             `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &StatusError{Code: resp.StatusCode, Message: "unparseable response"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Success {
		msg := apiErrorMessage(envelope.Data)
		code := resp.StatusCode
		if code < 400 && envelope.Status >= 400 {
			code = envelope.Status
		}
		return &StatusError{Code: code, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("imgur: decode data: %w", err)
		}
	}
	return nil
}

func apiErrorMessage(data json.RawMessage) string {
	var errData struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &errData); err == nil && errData.Error != "" {
		return errData.Error
	}
	return "request failed"
}
