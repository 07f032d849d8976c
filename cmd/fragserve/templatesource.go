package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fragserve/fragserve/respond"
	"github.com/fragserve/fragserve/template"
)

// fsTemplateSource is the example FetchTemplate/FetchContext pair cmd/fragserve
// wires by default: templates are files under root named after the request
// path, and a sibling "<path>.json" file (if present) supplies slot-fill
// context as a flat string map. Neither compose nor handler import this —
// they only depend on the template.FetchTemplate/FetchContext function
// types, so a deployment can substitute a database- or CMS-backed source
// without touching the composition core.
type fsTemplateSource struct {
	root string
}

func newFSTemplateSource(root string) *fsTemplateSource {
	return &fsTemplateSource{root: root}
}

// resolve joins root with requestPath the way net/http.Dir does: cleaning
// requestPath as an absolute path first guarantees the join can never
// escape root via a "../" segment.
func (s *fsTemplateSource) resolve(requestPath string) string {
	return filepath.Join(s.root, filepath.Clean("/"+requestPath))
}

// FetchTemplate implements template.FetchTemplate.
func (s *fsTemplateSource) FetchTemplate(ctx context.Context, path string, parse template.ParseTemplate) ([]template.Token, error) {
	raw, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, respond.New(respond.CodeTemplateNotFound, fmt.Sprintf("no template for %q", path)).
				WithCause(err)
		}
		return nil, respond.New(respond.CodeTemplateFetchError, fmt.Sprintf("reading template for %q", path)).
			WithCause(err)
	}
	tokens, err := parse(raw)
	if err != nil {
		return nil, respond.New(respond.CodeTemplateFetchError, fmt.Sprintf("parsing template for %q", path)).
			WithCause(err)
	}
	return tokens, nil
}

// FetchContext implements template.FetchContext. A missing context file is
// not an error: most templates have no slots to fill and fall back to
// template.EmptyContext.
func (s *fsTemplateSource) FetchContext(ctx context.Context, path string) (template.Context, error) {
	raw, err := os.ReadFile(s.resolve(path) + ".json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return template.EmptyContext{}, nil
		}
		return nil, respond.New(respond.CodeContextError, fmt.Sprintf("reading context for %q", path)).
			WithCause(err)
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, respond.New(respond.CodeContextError, fmt.Sprintf("parsing context for %q", path)).
			WithCause(err)
	}
	return mapContext(values), nil
}

// mapContext resolves slot names against a flat string map.
type mapContext map[string]string

func (m mapContext) Resolve(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}
