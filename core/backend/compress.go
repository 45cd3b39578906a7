package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

func (b *Backend) handleCompression() {
	compressionMiddleware := func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	}
	b.router.Use(compressionMiddleware)
}
