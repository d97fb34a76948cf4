package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/filegate/internal/observability"
	"github.com/danmuck/filegate/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	apiPrefix = "/api"

	headerAllowOrigin  = "Access-Control-Allow-Origin"
	headerAllowMethods = "Access-Control-Allow-Methods"
	headerAllowHeaders = "Access-Control-Allow-Headers"

	allowOrigin  = "*"
	allowMethods = "GET, POST, OPTIONS"
	allowHeaders = "Content-Type"

	contentTypeText = "text/plain; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
)

var rateLimitedResponse = protocol.ErrorResponse("Rate limit exceeded")

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(preflight())

	s.RegisterRoutes(r)
	r.NoRoute(s.dispatchUnmatched)
	return r
}

// preflight answers OPTIONS for every path, matched or not.
func preflight() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		c.Set(observability.RouteKey, "preflight")
		c.Header(headerAllowOrigin, allowOrigin)
		c.Header(headerAllowMethods, allowMethods)
		c.Header(headerAllowHeaders, allowHeaders)
		c.AbortWithStatus(http.StatusOK)
	}
}

func (s *Service) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", s.handleIndex)
	r.GET("/index.html", s.handleIndex)
	r.GET(apiPrefix, s.handleAPI)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "filegate",
			"session":   s.sessions.State(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/actions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"actions": protocol.Specs(),
		})
	})
}

// dispatchUnmatched routes everything gin could not match: /api prefixed
// paths still carry actions, the rest is a plain 404.
func (s *Service) dispatchUnmatched(c *gin.Context) {
	path := c.Request.URL.Path
	if strings.HasPrefix(path, apiPrefix) {
		c.Set(observability.RouteKey, apiPrefix)
		if c.Request.Method == http.MethodGet {
			s.handleAPI(c)
			return
		}
		c.Header(headerAllowOrigin, allowOrigin)
		c.Data(http.StatusMethodNotAllowed, contentTypeText,
			[]byte(fmt.Sprintf("Method Not Allowed: %s %s", c.Request.Method, path)))
		return
	}
	c.Data(http.StatusNotFound, contentTypeText,
		[]byte(fmt.Sprintf("Not Found: %s %s", c.Request.Method, path)))
}

// handleAPI encodes the query into one backend command and relays the
// backend reply as the body, byte for byte.
func (s *Service) handleAPI(c *gin.Context) {
	c.Header(headerAllowOrigin, allowOrigin)
	if s.limiter != nil && !s.limiter.Allow() {
		c.Data(http.StatusTooManyRequests, contentTypeText, []byte(rateLimitedResponse))
		return
	}

	query := c.Request.URL.Query()
	action, _ := protocol.Value(query, "action")
	command := protocol.Encode(action, query)

	resp := s.sessions.RoundTrip(c.Request.Context(), command)
	log.Debug().
		Str("request_id", c.GetString(observability.RequestIDKey)).
		Str("action", action).
		Str("verb", protocol.Verb(command)).
		Bool("error", protocol.IsErrorResponse(resp)).
		Msg("gateway.api relayed")
	c.Data(http.StatusOK, contentTypeText, []byte(resp))
}
