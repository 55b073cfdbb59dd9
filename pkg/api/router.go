package api

import (
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"
)

// Ctx wraps a fasthttp request with extracted path parameters.
type Ctx struct {
	*fasthttp.RequestCtx
	Params map[string]string
}

// JSON writes a JSON response.
func (c *Ctx) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}
	c.SetStatusCode(statusCode)
	c.SetContentType("application/json")
	body, err := jsonEncode(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}
	c.RequestCtx.Write(body)
	return nil
}

// Param returns a path parameter value.
func (c *Ctx) Param(key string) string {
	return c.Params[key]
}

// QueryParam returns a query string value.
func (c *Ctx) QueryParam(key string) string {
	return string(c.QueryArgs().Peek(key))
}

// HandlerFunc handles a routed request.
type HandlerFunc func(c *Ctx) error

type route struct {
	method  string
	path    string
	handler HandlerFunc
}

// router matches method+path patterns in registration order. Patterns
// use :name segments for parameters.
type router struct {
	routes []*route
}

func newRouter() *router {
	return &router{routes: make([]*route, 0, 16)}
}

func (r *router) GET(path string, h HandlerFunc)  { r.add("GET", path, h) }
func (r *router) POST(path string, h HandlerFunc) { r.add("POST", path, h) }

func (r *router) add(method, path string, h HandlerFunc) {
	r.routes = append(r.routes, &route{method: method, path: path, handler: h})
}

// Handler returns a fasthttp request handler dispatching to registered
// routes.
func (r *router) Handler() fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		method := string(rc.Method())
		path := string(rc.Path())

		for _, rt := range r.routes {
			if rt.method != method || !matchPath(rt.path, path) {
				continue
			}
			c := &Ctx{RequestCtx: rc, Params: make(map[string]string)}
			extractParams(rt.path, path, c.Params)
			if err := rt.handler(c); err != nil {
				rc.Error(err.Error(), fasthttp.StatusInternalServerError)
			}
			return
		}

		rc.Error("Not Found", fasthttp.StatusNotFound)
	}
}

func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			continue
		}
		if part != pathParts[i] {
			return false
		}
	}
	return true
}

func extractParams(pattern, path string, params map[string]string) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			if i < len(pathParts) {
				params[strings.TrimPrefix(part, ":")] = pathParts[i]
			}
		}
	}
}
