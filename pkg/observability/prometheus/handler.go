package prometheus

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Handler returns a fasthttp handler serving the conductor registry in the
// Prometheus exposition format.
func Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}
