package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jakechorley/escort-dispatch/internal/config"
)

const (
	AuthPort     = 3000
	authTimeout  = 5 * time.Minute
	callbackPath = "/oauth/callback"
	tokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// OAuth scopes for Google APIs
const (
	ScopeSheets         = "https://www.googleapis.com/auth/spreadsheets"
	ScopeGmailSend      = "https://www.googleapis.com/auth/gmail.send"
	ScopeGmailModify    = "https://www.googleapis.com/auth/gmail.modify"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

// ErrNoToken is returned when no stored token exists and the caller cannot run
// the interactive flow (for example the HTTP server)
var ErrNoToken = errors.New("no stored oauth token")

// requiredScopes returns all scopes required by the application
func requiredScopes() []string {
	return []string{
		ScopeSheets,
		ScopeGmailSend,
		ScopeGmailModify,
		ScopeCalendarEvents,
	}
}

// GetOAuthConfig creates an OAuth2 config from the OAuth client configuration
// Requests all necessary scopes for the application upfront (sheets, gmail, calendar)
func GetOAuthConfig(oauthCfg *config.OAuthClientConfig) (*oauth2.Config, error) {
	oauthConfigJSON, err := json.Marshal(oauthCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal oauth config: %w", err)
	}

	googleConfig, err := google.ConfigFromJSON(oauthConfigJSON, requiredScopes()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google config: %w", err)
	}

	googleConfig.RedirectURL = fmt.Sprintf("http://localhost:%d%s", AuthPort, callbackPath)

	return googleConfig, nil
}

// NewTokenSource returns a token source for env backed by the token file.
// Refreshed tokens are written back to disk. When no usable token is stored,
// the browser flow runs if interactive is set, otherwise ErrNoToken is returned.
func NewTokenSource(ctx context.Context, oauthConfig *oauth2.Config, env string, interactive bool) (oauth2.TokenSource, error) {
	token, err := LoadTokenFromFile(env)
	if err != nil {
		return nil, err
	}

	if token == nil || (!token.Valid() && token.RefreshToken == "") {
		if !interactive {
			return nil, fmt.Errorf("%w for environment %s: run an interactive command first", ErrNoToken, env)
		}
		token, err = runAuthFlow(ctx, oauthConfig)
		if err != nil {
			return nil, err
		}
		if err := SaveTokenToFile(env, token); err != nil {
			return nil, err
		}
	}

	ps := &persistingSource{
		base: oauthConfig.TokenSource(ctx, token),
		env:  env,
		last: token.AccessToken,
		save: SaveTokenToFile,
	}
	return oauth2.ReuseTokenSource(token, ps), nil
}

// persistingSource writes every newly minted token to the token file
type persistingSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	env  string
	last string
	save func(env string, token *oauth2.Token) error
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := s.save(s.env, token); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
		}
		s.last = token.AccessToken
	}
	return token, nil
}

// runAuthFlow sends the user through the consent screen and exchanges the code
func runAuthFlow(ctx context.Context, oauthConfig *oauth2.Config) (*oauth2.Token, error) {
	state := uuid.NewString()
	authURL := oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("\nVisit this URL to authorize the application:\n%s\n\n", authURL)

	code, err := awaitAuthCode(ctx, fmt.Sprintf(":%d", AuthPort), state)
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	if err := validateTokenScopes(ctx, token); err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	return token, nil
}

// validateTokenScopes checks the granted scopes with Google's tokeninfo endpoint
func validateTokenScopes(ctx context.Context, token *oauth2.Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenInfoURL+"?access_token="+token.AccessToken, nil)
	if err != nil {
		return fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call tokeninfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tokeninfo request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenInfo struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenInfo); err != nil {
		return fmt.Errorf("failed to decode tokeninfo response: %w", err)
	}

	if missing := missingScopes(strings.Fields(tokenInfo.Scope)); len(missing) > 0 {
		return fmt.Errorf("token is missing required scopes: %v", missing)
	}
	return nil
}

func missingScopes(granted []string) []string {
	var missing []string
	for _, required := range requiredScopes() {
		if !slices.Contains(granted, required) {
			missing = append(missing, required)
		}
	}
	return missing
}

type authResult struct {
	code string
	err  error
}

// callbackHandler accepts the first redirect carrying the expected state
func callbackHandler(state string, results chan<- authResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res authResult
		switch {
		case q.Get("state") != state:
			res.err = errors.New("authorization callback state mismatch")
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("code") == "":
			res.err = errors.New("no authorization code received")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, "Authorization failed", http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><h1>Dispatch authorized</h1><p>You can close this window.</p></body></html>")
		}

		select {
		case results <- res:
		default:
		}
	}
}

// awaitAuthCode serves the redirect target on addr until one callback arrives
func awaitAuthCode(ctx context.Context, addr, state string) (string, error) {
	results := make(chan authResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, callbackHandler(state, results))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- authResult{err: fmt.Errorf("callback server: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	timeout := time.NewTimer(authTimeout)
	defer timeout.Stop()

	select {
	case res := <-results:
		return res.code, res.err
	case <-timeout.C:
		return "", fmt.Errorf("authorization timeout after %v", authTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
