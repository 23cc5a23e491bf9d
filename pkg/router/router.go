package router

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// Router is a wrapper around chi.Router whose handlers return errors.
// A returned error is logged and rendered as a JSON error response.
type Router struct {
	chi.Router
	defaultError JsonError
	logger       *slog.Logger
}

// HandlerFunc handles a request and returns an error instead of writing one.
// When it fails it must not have written anything to the response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func New(opts ...RouterOption) *Router {
	router := &Router{
		Router:       chi.NewRouter(),
		defaultError: ErrInternal,
		logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(router)
	}
	router.Router.NotFound(router.handleWithErr(func(http.ResponseWriter, *http.Request) error {
		return ErrNotFound
	}))
	return router
}

// mapError returns the JsonError found in err's chain, or the default error.
func (a *Router) mapError(err error) JsonError {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		resError := a.mapError(err)
		level := slog.LevelInfo
		if resError.StatusCode() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.logger.Log(r.Context(), level, err.Error(),
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", resError.StatusCode()))
		if err := WriteJSON(w, resError.StatusCode(), resError); err != nil {
			a.logger.Error("writing error response", slog.String("error", err.Error()))
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}
