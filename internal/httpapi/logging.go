package httpapi

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// logRequestError records a handler failure with the request id when present.
func logRequestError(r *http.Request, msg string, err error) {
	if zlog != nil {
		z := zlog.Error().Err(err).Str("path", r.URL.Path)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg(msg)
		return
	}
	log.Printf("%s path=%s err=%v", msg, r.URL.Path, err)
}

// logInfo records a low-volume informational event.
func logInfo(msg string) {
	if zlog != nil {
		zlog.Info().Msg(msg)
		return
	}
	log.Print(msg)
}
