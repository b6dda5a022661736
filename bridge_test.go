package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-bridge/internal/testutil"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// completeLogin runs register, authorize and callback and returns the code
// delivered to the agent's redirect URI.
func completeLogin(t *testing.T, env *testEnv, state string) (clientID, code, verifier string) {
	t.Helper()

	clientID = env.register(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	bridgeID := env.authorize(t, clientID, challenge, state)

	rec := env.callback(bridgeID, "idp-token-42")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "agent.example.com", loc.Host)
	if state != "" {
		assert.Equal(t, state, loc.Query().Get("state"))
	}

	code = loc.Query().Get("code")
	require.NotEmpty(t, code)
	return clientID, code, verifier
}

func redeemForm(clientID, code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
	}
}

func TestScenario_FullLogin(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	clientID, code, verifier := completeLogin(t, env, "agent-state-1")

	rec := env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(token.DefaultTTL.Seconds()), resp.ExpiresIn)
	assert.Equal(t, server.DefaultScope, resp.Scope)
	require.NotEmpty(t, resp.AccessToken)

	req := httptest.NewRequest(http.MethodPost, server.MCPPath, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, env.calls())
	claims := env.mcpCalls[0]
	assert.Equal(t, "int-7", claims.InternalID())
	assert.Equal(t, "ext-42", claims.ExternalID)
	assert.Equal(t, clientID, claims.ClientID)
}

func TestScenario_FragmentLogin(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	clientID := env.register(t)
	challenge, _ := testutil.GeneratePKCEPair()
	bridgeID := env.authorize(t, clientID, challenge, "s1")

	// First landing carries nothing the server can see.
	first := env.get(server.CallbackPath + "?" + providers.BridgeSessionParam + "=" + url.QueryEscape(bridgeID))
	require.Equal(t, http.StatusOK, first.Code)

	// The page re-submits the fragment as query parameters.
	q := url.Values{
		providers.BridgeSessionParam: {bridgeID},
		providers.ParamAccessToken:   {"idp-token-42"},
		"token_type":                 {"bearer"},
		FragmentCheckedParam:         {"1"},
	}
	rec := env.get(server.CallbackPath + "?" + q.Encode())
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), testRedirectURI+"?"))
}

func TestScenario_CodeReplay(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	clientID, code, verifier := completeLogin(t, env, "")

	first := env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
	require.Equal(t, http.StatusOK, first.Code)

	second := env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
	require.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, second).Error)
}

func TestScenario_WrongVerifierBurnsCode(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	clientID, code, verifier := completeLogin(t, env, "")

	_, otherVerifier := testutil.GeneratePKCEPair()
	rec := env.postForm(server.TokenPath, redeemForm(clientID, code, otherVerifier))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeError(t, rec).Error)

	rec = env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
	require.Equal(t, http.StatusBadRequest, rec.Code, "a code presented with a wrong verifier must be spent")
}

func TestScenario_ConcurrentRedeem(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	clientID, code, verifier := completeLogin(t, env, "")

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
			mu.Lock()
			statuses[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[http.StatusOK])
	assert.Equal(t, workers-1, statuses[http.StatusBadRequest])
}

func TestScenario_ExpiredBearer(t *testing.T) {
	env := newTestEnv(t, noRateLimit())
	clientID, code, verifier := completeLogin(t, env, "")

	rec := env.postForm(server.TokenPath, redeemForm(clientID, code, verifier))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp server.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	env.clock.Advance(time.Duration(resp.ExpiresIn)*time.Second + token.DefaultLeeway + time.Second)

	req := httptest.NewRequest(http.MethodPost, server.MCPPath, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	rec = env.do(req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `resource_metadata="`)
	assert.Equal(t, ErrorCodeInvalidToken, decodeError(t, rec).Error)
	assert.Equal(t, 0, env.calls())
}
