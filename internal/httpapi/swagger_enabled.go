//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

// MountSwagger serves the generated API docs UI at /docs/.
func MountSwagger(r chi.Router) {
	r.Get("/docs/*", httpSwagger.Handler())
}
