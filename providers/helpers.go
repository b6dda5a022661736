package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCode exchanges an IdP authorization code using httpClient.
func ExchangeCode(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// CallbackURL returns callbackURL with the bridge session id appended.
func CallbackURL(callbackURL, bridgeSessionID string) (string, error) {
	u, err := parseAbsolute(callbackURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(BridgeSessionParam, bridgeSessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
