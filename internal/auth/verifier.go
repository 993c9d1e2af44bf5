// Package auth verifies bearer tokens against an identity service and
// gates routes on role codes.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"seqcore/pkg/domain"
)

// Role codes issued by the identity service.
const (
	RoleAdmin     = 1
	RoleLabTech   = 2
	RoleAnalyst   = 3
	RoleValidator = 4
)

// ErrInvalidToken is returned for tokens the identity service rejects.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a bearer token into a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.User, error)
}

// StaticVerifier resolves tokens from a fixed map. Used in development and
// in tests; never in production deployments.
type StaticVerifier struct {
	users map[string]domain.User
}

// NewStaticVerifier copies the given token-to-user map.
func NewStaticVerifier(users map[string]domain.User) *StaticVerifier {
	copied := make(map[string]domain.User, len(users))
	for token, user := range users {
		copied[token] = user
	}
	return &StaticVerifier{users: copied}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (domain.User, error) {
	user, ok := v.users[token]
	if !ok {
		return domain.User{}, ErrInvalidToken
	}
	return user, nil
}

// HTTPVerifier delegates verification to an external identity service.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier builds a verifier calling the given endpoint. A zero
// timeout defaults to five seconds.
func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// verifyResponse mirrors the identity service's wire shape.
type verifyResponse struct {
	Valid bool        `json:"valid"`
	User  domain.User `json:"user"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return domain.User{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.User{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return domain.User{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.User{}, fmt.Errorf("decode verify response: %w", err)
	}
	if !body.Valid || body.User.ID == "" {
		return domain.User{}, ErrInvalidToken
	}
	return body.User, nil
}
