// Package backend is the client for the HostelMate API: user
// registration, the proof-for-token login exchange, and profile reads.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hostelmate/session-manager/internal/serviceerr"
)

type Client struct {
	baseURL      string
	secureClient *http.Client
}

// User is the backend's profile record.
type User struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	PhotoURL   string `json:"photoURL,omitempty"`
	Role       string `json:"role,omitempty"`
	Badge      string `json:"badge,omitempty"`
	GoogleAuth bool   `json:"googleAuth,omitempty"`
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing backend base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		secureClient: httpClient,
	}, nil
}

// Register creates the user's profile record. A 409 surfaces as a
// BackendError; callers registering idempotently check it with
// serviceerr.IsConflict.
func (c *Client) Register(ctx context.Context, user User) error {
	resp, err := c.do(ctx, http.MethodPost, "/users", "", user)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classify(resp, "register")
	}

	return nil
}

// Login exchanges an identity proof for a backend access token.
func (c *Client) Login(ctx context.Context, proofToken, email string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/login", "", map[string]string{
		"idToken": proofToken,
		"email":   email,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classify(resp, "login")
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding login response: %w", err)
	}
	if body.Token == "" {
		return "", serviceerr.ErrNoToken
	}

	return body.Token, nil
}

// GetUser fetches the profile record for email using the access token.
func (c *Client) GetUser(ctx context.Context, email, accessToken string) (User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(email), accessToken, nil)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return User{}, classify(resp, "profile")
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decoding profile response: %w", err)
	}

	return user, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, body any) (*http.Response, error) {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing %s %s request: %w", method, path, err)
	}

	return resp, nil
}

// classify builds the taxonomy error for a non-success response,
// preserving the backend's message when one is present.
func classify(resp *http.Response, op string) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return &serviceerr.BackendError{
		StatusCode: resp.StatusCode,
		Op:         op,
		Message:    body.Message,
	}
}
