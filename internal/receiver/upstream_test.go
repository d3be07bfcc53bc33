package receiver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedqueue/apqb/internal/activity"
)

func testEnvelope(id, host string) activity.SubmissionEnvelope {
	return activity.SubmissionEnvelope{
		ReceivedAt: time.Now().UTC().Add(-time.Second),
		ActivityID: id,
		Host:       host,
		Path:       "/users/alice/inbox",
		Headers: activity.HeaderList{
			{Name: "Host", Value: host},
			{Name: "Content-Type", Value: activity.ContentTypeActivityJSON},
			{Name: "Content-Length", Value: "999"},
			{Name: "Signature", Value: `keyId="k",signature="s"`},
			{Name: "X-Multi", Value: "one"},
			{Name: "X-Multi", Value: "two"},
		},
		Body: []byte(`{"id":"` + id + `"}`),
	}
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestUpstreamSubmitter_ReplaysDelivery(t *testing.T) {
	var gotHost, gotPath, gotBody string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost, gotPath = r.Host, r.URL.Path
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "queued")
	}))
	defer srv.Close()

	u := NewUpstreamSubmitter("http", hostOf(t, srv), 0, nil)
	env := testEnvelope("https://remote.example/1", "social.example")
	resp := u.Submit(context.Background(), env)

	assert.Equal(t, "social.example", gotHost, "original Host header is replayed to the override domain")
	assert.Equal(t, "/users/alice/inbox", gotPath)
	assert.Equal(t, `{"id":"https://remote.example/1"}`, gotBody)
	assert.Equal(t, `keyId="k",signature="s"`, gotHeader.Get("Signature"))
	assert.Equal(t, []string{"one", "two"}, gotHeader.Values("X-Multi"))

	assert.Equal(t, "https://remote.example/1", resp.ActivityID)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	require.NotNil(t, resp.ContentType)
	assert.Equal(t, "text/plain; charset=utf-8", *resp.ContentType)
	require.NotNil(t, resp.Body)
	assert.Equal(t, "queued", *resp.Body)
	v, ok := resp.Headers.Get("x-request-id")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
	assert.False(t, resp.RespondedAt.IsZero())
}

func TestUpstreamSubmitter_UsesRecordedHostWithoutOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u := NewUpstreamSubmitter("http", "", 0, nil)
	resp := u.Submit(context.Background(), testEnvelope("a", hostOf(t, srv)))

	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Nil(t, resp.Body, "empty bodies are omitted")
	assert.Nil(t, resp.ContentType)
}

func TestUpstreamSubmitter_Target(t *testing.T) {
	env := testEnvelope("a", "social.example")

	assert.Equal(t, "https://social.example/users/alice/inbox", NewUpstreamSubmitter("", "", 0, nil).Target(env))
	assert.Equal(t, "http://mastodon.internal:3000/users/alice/inbox",
		NewUpstreamSubmitter("http", "mastodon.internal:3000", 0, nil).Target(env))

	env.Headers = nil
	assert.Equal(t, "https://social.example/users/alice/inbox", NewUpstreamSubmitter("", "", 0, nil).Target(env))
}

func TestUpstreamSubmitter_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp := NewUpstreamSubmitter("http", hostOf(t, srv), 0, nil).Submit(context.Background(), testEnvelope("a", "social.example"))
	assert.Equal(t, http.StatusFound, resp.Status)
	loc, ok := resp.Headers.Get("Location")
	assert.True(t, ok)
	assert.Equal(t, "/elsewhere", loc)
}

func TestUpstreamSubmitter_TransportFailureIsBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := hostOf(t, srv)
	srv.Close()

	resp := NewUpstreamSubmitter("http", host, 0, nil).Submit(context.Background(), testEnvelope("a", "social.example"))
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, "a", resp.ActivityID)
	assert.False(t, activity.IsTolerableStatus(resp.Status))
	require.NotNil(t, resp.Body)
}

func TestUpstreamSubmitter_TimeoutIsGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	u := NewUpstreamSubmitter("http", hostOf(t, srv), 0, NewUpstreamClient(20*time.Millisecond))
	resp := u.Submit(context.Background(), testEnvelope("a", "social.example"))
	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestUpstreamSubmitter_CapsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	resp := NewUpstreamSubmitter("http", hostOf(t, srv), 10, nil).Submit(context.Background(), testEnvelope("a", "social.example"))
	require.NotNil(t, resp.Body)
	assert.Len(t, *resp.Body, 10)
}
