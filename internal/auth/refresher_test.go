package auth

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func oauthClient(status int, body string, onRequest func(*http.Request)) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if onRequest != nil {
			onRequest(req)
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})}
}

func TestRefreshSuccess(t *testing.T) {
	var form string
	refresher := NewRefresher(oauthClient(200, `{"access_token":"new-at","expires_in":3600}`, func(req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		form = string(body)
	}))

	before := time.Now().UnixMilli()
	result, err := refresher.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)

	assert.Equal(t, "new-at", result.AccessToken)
	assert.GreaterOrEqual(t, result.Expires, before+3600*1000)

	assert.Contains(t, form, "grant_type=refresh_token")
	assert.Contains(t, form, "refresh_token=rt-1")
}

func TestRefreshInvalidGrant(t *testing.T) {
	refresher := NewRefresher(oauthClient(400, `{"error":"invalid_grant","error_description":"Token has been revoked."}`, nil))

	_, err := refresher.Refresh(context.Background(), "rt-revoked")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	refresher := NewRefresher(oauthClient(503, `upstream unavailable`, nil))

	_, err := refresher.Refresh(context.Background(), "rt-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
	assert.Contains(t, err.Error(), "503")
}

func TestRefreshRejectsEmptyAccessToken(t *testing.T) {
	refresher := NewRefresher(oauthClient(200, `{"expires_in":3600}`, nil))

	_, err := refresher.Refresh(context.Background(), "rt-1")
	assert.Error(t, err)
}
