// Package server exposes the lifecycle engine over a JSON HTTP API and
// publishes group JWKS documents at /.well-known/jwks/{groupCode}.json.
package server

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/keyforge/internal/auth"
	httpmiddleware "github.com/wolfeidau/keyforge/internal/http"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/logger"
)

// Options configure the HTTP surface.
type Options struct {
	// Authenticate attaches auth.Permissions to API requests. Defaults to
	// rejecting every API request.
	Authenticate func(http.Handler) http.Handler

	// CORSOrigins are allowed to fetch JWKS documents. Defaults to any origin.
	CORSOrigins []string

	// JWKSMaxAge is the Cache-Control max-age of JWKS responses.
	JWKSMaxAge time.Duration

	// Tracing wraps the handler with OpenTelemetry instrumentation.
	Tracing bool
}

// Server wraps the lifecycle engine with HTTP handlers.
type Server struct {
	engine   *lifecycle.Engine
	validate *validator.Validate
	opts     Options
}

// New creates a server for engine.
func New(engine *lifecycle.Engine, opts Options) *Server {
	if opts.Authenticate == nil {
		opts.Authenticate = denyAll
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.JWKSMaxAge <= 0 {
		opts.JWKSMaxAge = 5 * time.Minute
	}
	return &Server{engine: engine, validate: newValidator(), opts: opts}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	api := http.NewServeMux()

	api.Handle("POST /api/v1/groups", s.manage(s.createGroup))
	api.Handle("GET /api/v1/groups", s.manage(s.listGroups))
	api.Handle("GET /api/v1/groups/{code}", s.manage(s.getGroup))
	api.Handle("PUT /api/v1/groups/{code}", s.manage(s.updateGroup))
	api.Handle("DELETE /api/v1/groups/{code}", s.manage(s.deleteGroup))
	api.Handle("POST /api/v1/groups/{code}/certificates", s.manage(s.issueUnderGroup))
	api.Handle("GET /api/v1/groups/{code}/certificates", s.manage(s.listGroupCertificates))
	api.Handle("POST /api/v1/groups/{code}/rotate", s.manage(s.rotate))
	api.Handle("GET /api/v1/groups/{code}/rotation", s.manage(s.rotationStatus))
	api.Handle("GET /api/v1/groups/{code}/signing-key", s.sign(s.signingKey))
	api.Handle("POST /api/v1/groups/{code}/sign", s.sign(s.signPayload))

	api.Handle("POST /api/v1/keys", s.manage(s.generateKey))
	api.Handle("POST /api/v1/csr/sign", s.manage(s.signCSR))

	api.Handle("GET /api/v1/certificates", s.manage(s.searchCertificates))
	api.Handle("GET /api/v1/certificates/{kid}", s.manage(s.getCertificate))
	api.Handle("POST /api/v1/certificates/{kid}/revoke", s.manage(s.revokeCertificate))

	jwks := cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		MaxAge:         int(s.opts.JWKSMaxAge.Seconds()),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})
	mux.Handle("GET /.well-known/jwks/{file}", jwks.Handler(http.HandlerFunc(s.publishJWKS)))
	mux.Handle("/api/", s.opts.Authenticate(api))

	var handler http.Handler = mux
	if s.opts.Tracing {
		handler = otelhttp.NewHandler(handler, "keyforge",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}

	handler = logger.Requests(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware()(handler)
	handler = httpmiddleware.RequestIDMiddleware()(handler)

	return handler
}

// manage requires the canManage permission.
func (s *Server) manage(h http.HandlerFunc) http.Handler {
	return requirePermission(func(p *auth.Permissions) bool { return p.CanManage }, h)
}

// sign requires the canSign permission.
func (s *Server) sign(h http.HandlerFunc) http.Handler {
	return requirePermission(func(p *auth.Permissions) bool { return p.CanSign }, h)
}

func requirePermission(allowed func(*auth.Permissions) bool, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perms := auth.PermissionsFromContext(r.Context())
		if perms == nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Code: "unauthorized", Message: "authentication required"}})
			return
		}
		if !allowed(perms) {
			zerolog.Ctx(r.Context()).Warn().Str("subject", perms.Subject).Msg("Permission denied")
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: ErrorDetail{Code: "forbidden", Message: "permission denied"}})
			return
		}
		h(w, r)
	})
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Code: "unauthorized", Message: "authentication is not configured"}})
	})
}
