package main

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo/v4"
)

//go:embed templates/*
var TemplateFS embed.FS

// Renderer is an echo.Renderer backed by a pongo2 template set. In debug mode templates are read from
// the local templates/ directory and re-parsed on every request.
type Renderer struct {
	set *pongo2.TemplateSet
}

func NewRenderer(debug bool) (*Renderer, error) {
	var fsys fs.FS
	if debug {
		fsys = os.DirFS("templates")
	} else {
		sub, err := fs.Sub(TemplateFS, "templates")
		if err != nil {
			return nil, err
		}
		fsys = sub
	}
	loader, err := pongo2.NewHttpFileSystemLoader(http.FS(fsys), "")
	if err != nil {
		return nil, fmt.Errorf("template loader: %w", err)
	}
	set := pongo2.NewSet("threadr", loader)
	set.Debug = debug
	return &Renderer{set: set}, nil
}

func (r *Renderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	var ctx pongo2.Context
	if data != nil {
		var ok bool
		ctx, ok = data.(pongo2.Context)
		if !ok {
			return errors.New("no pongo2.Context data was passed")
		}
	}

	tpl, err := r.set.FromCache(name)
	if err != nil {
		return err
	}
	return tpl.ExecuteWriter(ctx, w)
}

var _ echo.Renderer = (*Renderer)(nil)
