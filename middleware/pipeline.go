// Package middleware executes a compiled route's handler chain in
// registration order, stopping as soon as a handler commits the response
// or returns an error.
package middleware

import (
	"github.com/rs/zerolog"

	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/xyerrors"
)

// ErrorHandler is invoked when a handler in the chain returns an error. It
// receives the failure site so operators can tell which route and which
// link in the chain broke.
type ErrorHandler func(ctx *router.Context, site FailureSite, err error)

// FailureSite identifies where in a route's chain an error originated.
type FailureSite struct {
	Method       string
	Path         string
	HandlerIndex int
	ChainLength  int
}

// Pipeline runs a compiled route's handler chain against a request
// Context. It is stateless and safe for concurrent use; all per-request
// state lives in the Context passed to Run.
type Pipeline struct {
	onError ErrorHandler
	log     zerolog.Logger
}

// New returns a Pipeline. onError may be nil, in which case errors are
// only logged.
func New(onError ErrorHandler, logger zerolog.Logger) *Pipeline {
	return &Pipeline{onError: onError, log: logger}
}

// Run executes ctx.Route.Chain in order. A handler that writes a response
// (ctx.Writer.Committed()) short-circuits the remaining chain without
// being treated as an error; a handler that returns an error both stops
// the chain and reports the failure site to the configured ErrorHandler.
func (p *Pipeline) Run(ctx *router.Context) error {
	chain := ctx.Route.Chain
	for i, h := range chain {
		ctx.SetHandlerIndex(i)

		if err := h(ctx); err != nil {
			site := FailureSite{
				Method:       ctx.Route.Method,
				Path:         ctx.Route.Path,
				HandlerIndex: i,
				ChainLength:  len(chain),
			}
			p.log.Error().
				Str("method", site.Method).
				Str("path", site.Path).
				Int("handler_index", i).
				Str("kind", xyerrors.KindOf(err).String()).
				Err(err).
				Msg("middleware: handler returned error")
			if p.onError != nil {
				p.onError(ctx, site, err)
			}
			return err
		}

		if ctx.Writer.Committed() {
			return nil
		}
	}
	return nil
}
