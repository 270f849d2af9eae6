// Package provider performs the OAuth code exchange and profile fetch
// against the social identity provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/karmalink/backend/internal/config"
	"github.com/karmalink/backend/internal/identity"
	"golang.org/x/oauth2"
)

const profileTimeout = 30 * time.Second

var errEmptyProfileID = errors.New("provider: profile id missing")

// Exchanger swaps authorization codes for account profiles.
type Exchanger struct {
	oauth   oauth2.Config
	profile string
	http    *http.Client
}

// NewExchanger constructs the exchanger from the OAuth application settings.
func NewExchanger(cfg config.OAuthConfig) *Exchanger {
	return &Exchanger{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		profile: cfg.ProfileURL,
		http:    &http.Client{Timeout: profileTimeout},
	}
}

type profilePayload struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	LinkKarma  int64   `json:"link_karma"`
	CreatedUTC float64 `json:"created_utc"`
}

// Exchange trades the code for an access token and fetches the account
// profile.
func (e *Exchanger) Exchange(ctx context.Context, code string) (identity.Profile, error) {
	token, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return identity.Profile{}, fmt.Errorf("provider: token exchange: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, e.profile, nil)
	if err != nil {
		return identity.Profile{}, err
	}
	token.SetAuthHeader(request)

	response, err := e.http.Do(request)
	if err != nil {
		return identity.Profile{}, fmt.Errorf("provider: profile fetch: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return identity.Profile{}, fmt.Errorf("provider: profile fetch: unexpected status %d", response.StatusCode)
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return identity.Profile{}, err
	}

	var payload profilePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return identity.Profile{}, fmt.Errorf("provider: profile decode: %w", err)
	}
	if payload.ID == "" {
		return identity.Profile{}, errEmptyProfileID
	}

	return identity.Profile{
		ProviderID:  payload.ID,
		DisplayName: payload.Name,
		Karma:       payload.LinkKarma,
		CreatedAt:   time.Unix(int64(payload.CreatedUTC), 0).UTC(),
		RawJSON:     string(raw),
	}, nil
}
