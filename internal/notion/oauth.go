package notion

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Notion OAuth endpoints, relative to the API base URL.
const (
	oauthAuthorizePath = "/oauth/authorize"
	oauthTokenPath     = "/oauth/token"
)

// OAuthGrant is the token record Notion returns for an authorized workspace.
type OAuthGrant struct {
	AccessToken   string
	WorkspaceID   string
	WorkspaceName string
	BotID         string
}

// OAuthExchanger performs the Notion public-integration code exchange.
type OAuthExchanger struct {
	config     oauth2.Config
	httpClient *http.Client
}

// NewOAuthExchanger creates an exchanger. baseURL defaults to the Notion API.
func NewOAuthExchanger(clientID, clientSecret, redirectURL, baseURL string) *OAuthExchanger {
	if baseURL == "" {
		baseURL = BaseURL
	}
	return &OAuthExchanger{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL + oauthAuthorizePath,
				TokenURL:  baseURL + oauthTokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{Timeout: httpTimeout},
	}
}

// AuthCodeURL returns the URL a user visits to grant access to a workspace.
func (o *OAuthExchanger) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.SetAuthURLParam("owner", "user"))
}

// Exchange trades an authorization code for a workspace token.
func (o *OAuthExchanger) Exchange(ctx context.Context, code string) (*OAuthGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)

	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange oauth code: %w", err)
	}

	return &OAuthGrant{
		AccessToken:   token.AccessToken,
		WorkspaceID:   extraString(token, "workspace_id"),
		WorkspaceName: extraString(token, "workspace_name"),
		BotID:         extraString(token, "bot_id"),
	}, nil
}

func extraString(token *oauth2.Token, key string) string {
	if v, ok := token.Extra(key).(string); ok {
		return v
	}
	return ""
}
