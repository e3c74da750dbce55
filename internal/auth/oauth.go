package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/opencode-tools/antigravity-broker/internal/browser"
	"github.com/opencode-tools/antigravity-broker/internal/config"
)

// LoginResult carries the credentials obtained from an interactive login.
type LoginResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	// Expires is the access token expiry as unix milliseconds.
	Expires int64
}

// Login runs the authorization-code flow with PKCE on a loopback listener.
// It opens the system browser at the consent URL, waits for the redirect,
// exchanges the code, and fetches the account email.
//
// Parameters:
//   - ctx: Context bounding the whole flow, including the user's consent wait
//   - httpClient: Client used for the exchange and userinfo calls
//   - noBrowser: When true, only print the URL instead of launching a browser
//
// Returns:
//   - *LoginResult: The obtained credentials
//   - error: An error if any step of the flow failed
func Login(ctx context.Context, httpClient *http.Client, noBrowser bool) (*LoginResult, error) {
	conf := &oauth2.Config{
		ClientID:     config.OAuthClientID,
		ClientSecret: config.OAuthClientSecret,
		RedirectURL:  config.OAuthRedirectURI(),
		Scopes:       config.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  config.OAuthAuthURL,
			TokenURL: config.OAuthTokenURL,
		},
	}

	state, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	challenge := sha256.Sum256([]byte(verifier))

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:])),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", config.OAuthCallbackPort))
	if err != nil {
		return nil, fmt.Errorf("listen on callback port %d: %w", config.OAuthCallbackPort, err)
	}

	type callback struct {
		code string
		err  error
	}
	resultChan := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultChan <- callback{err: fmt.Errorf("oauth state mismatch")}
			return
		}
		if errParam := query.Get("error"); errParam != "" {
			http.Error(w, errParam, http.StatusBadRequest)
			resultChan <- callback{err: fmt.Errorf("authorization failed: %s", errParam)}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			resultChan <- callback{err: fmt.Errorf("authorization response carried no code")}
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, "<html><body><h2>Login complete.</h2>You can close this window.</body></html>")
		resultChan <- callback{code: code}
	})

	server := &http.Server{Handler: mux}
	go func() {
		if errServe := server.Serve(listener); errServe != nil && errServe != http.ErrServerClosed {
			resultChan <- callback{err: fmt.Errorf("callback server failed: %w", errServe)}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if noBrowser {
		fmt.Printf("Open this URL to sign in:\n\n%s\n\n", authURL)
	} else {
		log.Info("opening browser for sign-in")
		if errOpen := browser.Open(authURL); errOpen != nil {
			log.Warnf("could not open browser, visit this URL manually: %s", authURL)
		}
	}

	var code string
	select {
	case cb := <-resultChan:
		if cb.err != nil {
			return nil, cb.err
		}
		code = cb.code
	case <-ctx.Done():
		return nil, fmt.Errorf("login cancelled: %w", ctx.Err())
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	token, err := conf.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("token response carried no refresh token")
	}

	email, err := fetchEmail(ctx, httpClient, token.AccessToken)
	if err != nil {
		log.Warnf("could not fetch account email: %v", err)
	}

	return &LoginResult{
		Email:        email,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		Expires:      token.Expiry.UnixMilli(),
	}, nil
}

func fetchEmail(ctx context.Context, httpClient *http.Client, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthUserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if errUnmarshal := json.Unmarshal(body, &info); errUnmarshal != nil {
		return "", errUnmarshal
	}
	return info.Email, nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
