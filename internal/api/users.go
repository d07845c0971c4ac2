package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Login exchanges a username and password for the account's API key. On
// success the client uses the returned key for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	var u User
	err := c.doJSON(ctx, request{
		method:    http.MethodPut,
		path:      "/users/current/",
		body:      map[string]string{"username": username, "password": password},
		anonymous: true,
	}, &u)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && !errors.Is(err, ErrUnauthorized) {
			return nil, fmt.Errorf("log in as %s: %w: %w", username, ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("log in as %s: %w", username, err)
	}
	if u.APIKey == "" {
		return nil, fmt.Errorf("log in as %s: response carried no api key", username)
	}
	c.SetAPIKey(u.APIKey)
	c.logger.InfoContext(ctx, "logged in", "username", u.Username, "user_id", u.ID)
	return &u, nil
}

// CurrentUser returns the account owning the configured API key.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   "/users/current/",
		retry:  true,
	}, &u)
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &u, nil
}
