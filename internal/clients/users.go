package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrUnknownUser     = errors.New("user does not exist")
	ErrUpstreamFailure = errors.New("upstream service failure")
)

// Profile is the slice of a user profile the collaboration server needs.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// UsersClient talks to the identity service.
type UsersClient struct {
	baseURL string
	http    *http.Client
}

func NewUsersClient(baseURL string) *UsersClient {
	return &UsersClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CheckID verifies that a user id exists and returns its profile,
// including the display name. A non-200 answer means the user is unknown.
func (c *UsersClient) CheckID(ctx context.Context, userID string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/users/check-id/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user profile: %w", err)
	}
	return &profile, nil
}

// AddCompletedQuestion records a completed item on a user's profile.
func (c *UsersClient) AddCompletedQuestion(ctx context.Context, userID, questionID string) error {
	body, err := json.Marshal(map[string]string{
		"userId":     userID,
		"questionId": questionID,
	})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/users/profile/add-completed-question"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: users service returned %d: %s", ErrUpstreamFailure, resp.StatusCode, msg)
	}
	return nil
}
