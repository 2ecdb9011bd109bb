package main

import (
	"net/http"

	"github.com/mastothread/mastothread/thread"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo/v4"
)

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (srv *Server) WebHome(c echo.Context) error {
	info := pongo2.Context{
		"title": "Index",
	}
	return c.Render(http.StatusOK, "index.html", info)
}

// e.GET("/thread", srv.WebThread)
func (srv *Server) WebThread(c echo.Context) error {
	ctx := c.Request().Context()
	raw := c.QueryParam("url")

	th, err := srv.fetchThread(ctx, raw)
	if err != nil {
		return err
	}

	// root first, then the chain; posts with unusable URLs are skipped
	toots := thread.EmbedAll(th.All())

	info := pongo2.Context{
		"title": "Thread",
		"url":   raw,
		"toots": toots,
	}
	return c.Render(http.StatusOK, "thread.html", info)
}

// e.GET("/markdown", srv.WebMarkdown)
func (srv *Server) WebMarkdown(c echo.Context) error {
	ctx := c.Request().Context()
	raw := c.QueryParam("url")

	th, err := srv.fetchThread(ctx, raw)
	if err != nil {
		return err
	}

	doc, err := thread.MarkdownDocument(th)
	if err != nil {
		return err
	}

	info := pongo2.Context{
		"title":    "Markdown",
		"url":      raw,
		"markdown": doc,
		"posts":    len(th.All()),
	}
	return c.Render(http.StatusOK, "markdown.html", info)
}
