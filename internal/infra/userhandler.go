// README: Token verifier backed by the external user-handler service.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type userHandlerVerifier struct {
	baseURL string
	client  *http.Client
}

// NewUserHandlerVerifier verifies tokens against GET {baseURL}/users/validate_token.
func NewUserHandlerVerifier(baseURL string, client *http.Client) TokenVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &userHandlerVerifier{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type validateTokenResponse struct {
	Code   int `json:"code"`
	Result struct {
		IsValid bool `json:"is_valid"`
		Token   struct {
			Email string `json:"email"`
		} `json:"token"`
	} `json:"result"`
}

func (v *userHandlerVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/users/validate_token", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user handler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user handler: unexpected status %d", resp.StatusCode)
	}

	var body validateTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("user handler: decode: %w", err)
	}
	if body.Code != http.StatusOK || !body.Result.IsValid || body.Result.Token.Email == "" {
		return nil, ErrInvalidToken
	}
	email := body.Result.Token.Email
	return &Identity{UID: email, Email: email}, nil
}
