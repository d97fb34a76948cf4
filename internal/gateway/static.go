package gateway

import (
	_ "embed"
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

//go:embed assets/index.html
var defaultIndex []byte

var missingIndex = []byte("<h1>Error: index.html not found!</h1>")

// indexPage reads the configured page on every request so edits show up
// without a restart.
func (s *Service) indexPage() []byte {
	if s.cfg.IndexPath == "" {
		return defaultIndex
	}
	body, err := os.ReadFile(s.cfg.IndexPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.cfg.IndexPath).Msg("gateway.static read failed")
		}
		return missingIndex
	}
	return body
}

func (s *Service) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, contentTypeHTML, s.indexPage())
}
