package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mastothread/mastothread/mastodon"
	"github.com/mastothread/mastothread/thread"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamReply struct {
	status int
	body   any
}

// testUpstream serves fixed JSON replies keyed by request path. Post URLs in fixtures use the
// "{host}" placeholder, replaced with the server's own URL.
func testUpstream(t *testing.T, routes map[string]upstreamReply) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"Record not found"}`))
			return
		}
		b, err := json.Marshal(reply.body)
		if err != nil {
			t.Errorf("encoding fixture: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if reply.status != 0 {
			w.WriteHeader(reply.status)
		}
		w.Write([]byte(strings.ReplaceAll(string(b), "{host}", srv.URL)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testServer(t *testing.T, upstream *httptest.Server, publicPath string) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hc := http.DefaultClient
	if upstream != nil {
		hc = upstream.Client()
	}
	client := mastodon.NewClient(hc, "threadr-test")
	client.Logger = logger
	walker := thread.NewWalker(client, thread.DefaultWalkLimit)
	walker.Logger = logger

	srv, err := NewServer(Config{
		Logger:          logger,
		PublicFilesPath: publicPath,
		Walker:          walker,
		Registerer:      prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return srv
}

func get(srv *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func strptr(s string) *string {
	return &s
}

var (
	alice = mastodon.Account{ID: "A", URL: "{host}/@alice"}

	rootPost = mastodon.Post{
		Account: alice,
		URL:     "{host}/@alice/111",
		Content: "<p>hello <strong>world</strong></p>",
		Media: []mastodon.Media{
			{Type: "image", URL: "https://img/x.png", Description: strptr("cat")},
		},
	}
	replyPost = mastodon.Post{
		Account:            alice,
		URL:                "{host}/@alice/112",
		InReplyToAccountID: strptr("A"),
		Content:            "<p>second part</p>",
	}
)

func threadRoutes() map[string]upstreamReply {
	return map[string]upstreamReply{
		"/api/v1/statuses/111":         {body: rootPost},
		"/api/v1/statuses/111/context": {body: mastodon.Context{Ancestors: []mastodon.Post{}, Descendants: []mastodon.Post{replyPost}}},
		"/api/v1/statuses/112/context": {body: mastodon.Context{Ancestors: []mastodon.Post{rootPost}, Descendants: []mastodon.Post{}}},
	}
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)

	srv := testServer(t, nil, "")
	rec := get(srv, "/healthz")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("OK", rec.Body.String())
}

func TestHome(t *testing.T) {
	assert := assert.New(t)

	srv := testServer(t, nil, "")
	rec := get(srv, "/")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `name="url"`)
	assert.Contains(rec.Body.String(), `formaction="/markdown"`)
	assert.Equal("nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestThreadPage(t *testing.T) {
	assert := assert.New(t)

	upstream := testUpstream(t, threadRoutes())
	srv := testServer(t, upstream, "")

	postURL := upstream.URL + "/@alice/111"
	rec := get(srv, "/thread?url="+url.QueryEscape(postURL))
	body := rec.Body.String()
	assert.Equal(http.StatusOK, rec.Code, body)

	rootEmbed := fmt.Sprintf(`src="%s/@alice/111/embed"`, upstream.URL)
	replyEmbed := fmt.Sprintf(`src="%s/@alice/112/embed"`, upstream.URL)
	assert.Contains(body, rootEmbed)
	assert.Contains(body, replyEmbed)
	assert.Contains(body, fmt.Sprintf(`src="%s/embed.js"`, upstream.URL))
	assert.Less(strings.Index(body, rootEmbed), strings.Index(body, replyEmbed))
	// requested URL is echoed into the form
	assert.Contains(body, fmt.Sprintf(`value="%s"`, postURL))
}

func TestThreadPageFromReply(t *testing.T) {
	assert := assert.New(t)

	upstream := testUpstream(t, map[string]upstreamReply{
		"/api/v1/statuses/112":         {body: replyPost},
		"/api/v1/statuses/112/context": {body: mastodon.Context{Ancestors: []mastodon.Post{rootPost}, Descendants: []mastodon.Post{}}},
		"/api/v1/statuses/111/context": {body: mastodon.Context{Ancestors: []mastodon.Post{}, Descendants: []mastodon.Post{replyPost}}},
	})
	srv := testServer(t, upstream, "")

	rec := get(srv, "/thread?url="+url.QueryEscape(upstream.URL+"/@alice/112"))
	body := rec.Body.String()
	assert.Equal(http.StatusOK, rec.Code, body)

	rootEmbed := fmt.Sprintf(`src="%s/@alice/111/embed"`, upstream.URL)
	replyEmbed := fmt.Sprintf(`src="%s/@alice/112/embed"`, upstream.URL)
	assert.Less(strings.Index(body, rootEmbed), strings.Index(body, replyEmbed))
	assert.Equal(1, strings.Count(body, replyEmbed))
}

func TestThreadInvalidURL(t *testing.T) {
	assert := assert.New(t)

	srv := testServer(t, nil, "")
	for _, target := range []string{"/thread?url=not+a+url", "/thread", "/markdown?url=%2F%40alice%2F1"} {
		rec := get(srv, target)
		assert.Equal(http.StatusBadRequest, rec.Code, target)
		assert.Contains(rec.Body.String(), "Uh-oh", target)
		assert.Contains(rec.Body.String(), "400 Bad Request:", target)
	}
}

func TestThreadUpstreamFailure(t *testing.T) {
	assert := assert.New(t)

	routes := threadRoutes()
	routes["/api/v1/statuses/111/context"] = upstreamReply{status: http.StatusServiceUnavailable, body: map[string]string{"error": "busy"}}
	upstream := testUpstream(t, routes)
	srv := testServer(t, upstream, "")

	rec := get(srv, "/thread?url="+url.QueryEscape(upstream.URL+"/@alice/111"))
	body := rec.Body.String()
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Contains(body, "Uh-oh")
	assert.Contains(body, "fetching toot replies")
	assert.NotContains(body, "/@alice/111/embed")
}

func TestThreadUnknownPost(t *testing.T) {
	assert := assert.New(t)

	upstream := testUpstream(t, threadRoutes())
	srv := testServer(t, upstream, "")

	rec := get(srv, "/thread?url="+url.QueryEscape(upstream.URL+"/@alice/999"))
	assert.Equal(http.StatusInternalServerError, rec.Code)
	assert.Contains(rec.Body.String(), "fetching toot details")
}

func TestSharedWalkSurvivesCancelledCaller(t *testing.T) {
	assert := assert.New(t)

	entered := make(chan struct{})
	var enteredOnce sync.Once
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseUpstream := func() { releaseOnce.Do(func() { close(release) }) }

	var statusHits atomic.Int32
	var base string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		switch r.URL.Path {
		case "/api/v1/statuses/111":
			statusHits.Add(1)
			enteredOnce.Do(func() { close(entered) })
			<-release
			post := rootPost
			post.Account = mastodon.Account{ID: "A", URL: base + "/@alice"}
			post.URL = base + "/@alice/111"
			body = post
		case "/api/v1/statuses/111/context":
			body = mastodon.Context{Ancestors: []mastodon.Post{}, Descendants: []mastodon.Post{}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	base = upstream.URL
	defer upstream.Close()
	defer releaseUpstream()

	srv := testServer(t, upstream, "")
	target := "/thread?url=" + url.QueryEscape(upstream.URL+"/@alice/111")

	serve := func(ctx context.Context) <-chan *httptest.ResponseRecorder {
		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			done <- rec
		}()
		return done
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	first := serve(ctx1)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream status request never arrived")
	}

	second := serve(context.Background())
	// give the second request time to join the in-flight walk
	time.Sleep(50 * time.Millisecond)

	cancel1()
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled request kept waiting for the shared walk")
	}

	releaseUpstream()
	var rec *httptest.ResponseRecorder
	select {
	case rec = <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second request did not complete")
	}
	body := rec.Body.String()
	assert.Equal(http.StatusOK, rec.Code, body)
	assert.NotContains(body, "canceled")
	assert.Contains(body, fmt.Sprintf(`src="%s/@alice/111/embed"`, upstream.URL))
	assert.Equal(int32(1), statusHits.Load())
}

func TestMarkdownPage(t *testing.T) {
	assert := assert.New(t)

	upstream := testUpstream(t, threadRoutes())
	srv := testServer(t, upstream, "")

	rec := get(srv, "/markdown?url="+url.QueryEscape(upstream.URL+"/@alice/111"))
	body := rec.Body.String()
	assert.Equal(http.StatusOK, rec.Code, body)
	assert.Contains(body, "<textarea readonly")
	assert.Contains(body, "hello **world**")
	assert.Contains(body, "![cat](https://img/x.png)")
	assert.Contains(body, "second part")
	assert.Less(strings.Index(body, "hello **world**"), strings.Index(body, "second part"))
}

func TestTrailingSlashRedirect(t *testing.T) {
	assert := assert.New(t)

	srv := testServer(t, nil, "")
	rec := get(srv, "/thread/?url=x")
	assert.Equal(http.StatusFound, rec.Code)
	assert.Equal("/thread?url=x", rec.Header().Get("Location"))
}

func TestPublicFiles(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	require.NoError(os.WriteFile(filepath.Join(dir, "style.css"), []byte("body {}"), 0o644))
	srv := testServer(t, nil, dir)

	rec := get(srv, "/public/style.css")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("body {}", rec.Body.String())

	rec = get(srv, "/public/missing.css")
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(http.StatusBadRequest, errorStatus(fmt.Errorf("fetching initial toot: %w", mastodon.ErrInvalidURL)))
	assert.Equal(http.StatusInternalServerError, errorStatus(fmt.Errorf("fetching toot context: %w", mastodon.ErrUpstream)))
	assert.Equal(http.StatusInternalServerError, errorStatus(fmt.Errorf("fetching toot replies: %w", thread.ErrWalkLimit)))
	assert.Equal(http.StatusNotFound, errorStatus(mastodon.ErrNotFound))
	assert.Equal(http.StatusTeapot, errorStatus(echo.NewHTTPError(http.StatusTeapot, "short and stout")))
	assert.Equal(http.StatusInternalServerError, errorStatus(errors.New("something else")))
}
