package pipeline

import "github.com/labstack/echo/v4"

// Router registers wrapped routes on an echo group and adds one OPTIONS
// route per distinct path for CORS preflight.
type Router struct {
	g     *echo.Group
	p     *Pipeline
	paths map[string]bool
}

func (p *Pipeline) Router(g *echo.Group) *Router {
	return &Router{g: g, p: p, paths: map[string]bool{}}
}

func (r *Router) Handle(method, path string, opts Options, h HandlerFunc) {
	r.g.Add(method, path, r.p.Wrap(opts, h))
	if !r.paths[path] {
		r.paths[path] = true
		r.g.OPTIONS(path, r.p.Preflight())
	}
}

func (r *Router) GET(path string, opts Options, h HandlerFunc) {
	r.Handle(echo.GET, path, opts, h)
}

func (r *Router) POST(path string, opts Options, h HandlerFunc) {
	r.Handle(echo.POST, path, opts, h)
}

func (r *Router) DELETE(path string, opts Options, h HandlerFunc) {
	r.Handle(echo.DELETE, path, opts, h)
}
