package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadsheet/internal/errs"
)

// TokenEndpoint exchanges refresh tokens at the OAuth provider.
type TokenEndpoint struct {
	URL          string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
}

func NewTokenEndpoint(tokenURL, clientID, clientSecret string) *TokenEndpoint {
	return &TokenEndpoint{
		URL:          tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTP:         &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh performs a refresh-token grant. An invalid/revoked grant is a
// terminal AuthError (no retry is meaningful); every other failure is
// transient.
func (t *TokenEndpoint) Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {t.ClientID},
		"client_secret": {t.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return "", 0, &errs.TransientError{Op: "oauth refresh", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &errs.TransientError{Op: "oauth refresh read", Err: err}
	}

	var body tokenResponse
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch body.Error {
		case "invalid_grant", "invalid_token":
			return "", 0, &errs.AuthError{
				Reason:      fmt.Sprintf("refresh token rejected: %s", body.ErrorDescription),
				NeedsReauth: true,
			}
		}
		return "", 0, &errs.TransientError{
			Op:  "oauth refresh",
			Err: fmt.Errorf("http %d: %s %s", resp.StatusCode, body.Error, body.ErrorDescription),
		}
	}

	if body.AccessToken == "" {
		return "", 0, &errs.TransientError{Op: "oauth refresh", Err: fmt.Errorf("empty access token in response")}
	}
	return body.AccessToken, body.ExpiresIn, nil
}
