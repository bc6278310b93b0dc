// Package httpapi is the thin gorilla/mux transport shell around the
// Request Coordinator and Download Service, grounded on the teacher's
// registry/handlers App (a gorilla/mux router plus a per-instance UUID for
// log correlation) and its httpError/v2.Errors JSON error convention,
// generalized from the registry's error-code taxonomy to this engine's
// six cacheerrors kinds. Per spec.md §1, the exact wire framing is left
// to the implementation; this is that implementation, not part of the
// portable specification itself.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	dmetrics "github.com/docker/go-metrics"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/SiestaCat/dep-cache-proxy/cacheerrors"
	"github.com/SiestaCat/dep-cache-proxy/cachestats"
	"github.com/SiestaCat/dep-cache-proxy/coordinator"
	"github.com/SiestaCat/dep-cache-proxy/downloadsvc"
	"github.com/SiestaCat/dep-cache-proxy/indexstore"
	"github.com/SiestaCat/dep-cache-proxy/internal/dcontext"
	"github.com/SiestaCat/dep-cache-proxy/objectstore"
)

const maxRequestBody = 32 << 20 // 32 MiB: generous for a manifest + lockfile pair

// Server is the cache engine's HTTP transport: a thin translation layer
// from wire requests to coordinator.CacheRequest and back, with no
// business logic of its own.
type Server struct {
	// InstanceID identifies this process instance in logs, the way the
	// teacher's App.InstanceID does.
	InstanceID string

	coordinator *coordinator.Coordinator
	downloads   *downloadsvc.Service
	objects     *objectstore.Store
	indexes     *indexstore.Store
	cacheDir    string
	secret      string

	router *mux.Router
}

// NewServer constructs a Server and registers its routes. secret is the
// bearer token required on every request; an empty secret disables auth,
// which is only appropriate for local development. cacheDir is the root
// directory passed to objectstore.New/indexstore.New/bundle.New, reused
// here so /v1/stats can walk it without every store exposing its own root.
func NewServer(coord *coordinator.Coordinator, downloads *downloadsvc.Service, objects *objectstore.Store, indexes *indexstore.Store, cacheDir, secret string) *Server {
	s := &Server{
		InstanceID:  uuid.NewString(),
		coordinator: coord,
		downloads:   downloads,
		objects:     objects,
		indexes:     indexes,
		cacheDir:    cacheDir,
		secret:      secret,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/cache", s.withAuth(s.handleCacheRequest)).Methods(http.MethodPost)
	r.HandleFunc("/v1/bundles/{fingerprint}", s.withAuth(s.handleDownload)).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.withAuth(s.handleStats)).Methods(http.MethodGet)
	// Unauthenticated, matching the teacher's debug-only Prometheus mount
	// (registry.configurePrometheus): metrics are operational telemetry,
	// not cache data, and are meant to be scraped from inside the
	// deployment, not exposed to cache clients.
	r.Handle("/metrics", dmetrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// withAuth wraps a handler with a constant-time bearer-token check. This
// is intentionally thin and swappable, mirroring the teacher's basicAuth
// shim: the spec delegates token *comparison* policy to the deployment
// shell, but a complete repo still needs a working default.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeJSONError(w, &cacheerrors.InvalidRequest{Reason: "missing bearer token"})
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeJSONError(w, &cacheerrors.InvalidRequest{Reason: "invalid bearer token"})
			return
		}
		next(w, r)
	}
}

// cacheRequestBody is the wire shape of a POST /v1/cache body.
type cacheRequestBody struct {
	Manager  string            `json:"manager"`
	Versions map[string]string `json:"versions"`
	Manifest string            `json:"manifest"` // raw file content, not base64: manifests are text
	Lockfile string            `json:"lockfile,omitempty"`
}

type cacheResponseBody struct {
	Fingerprint string `json:"fingerprint"`
	DownloadURL string `json:"download_url"`
	CacheHit    bool   `json:"cache_hit"`
}

func (s *Server) handleCacheRequest(w http.ResponseWriter, r *http.Request) {
	ctx := dcontext.WithFields(r.Context(), map[string]any{"app.id": s.InstanceID})

	var body cacheRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeJSONError(w, &cacheerrors.InvalidRequest{Reason: "malformed JSON body: " + err.Error()})
		return
	}

	resp, err := s.coordinator.Handle(ctx, coordinator.CacheRequest{
		Manager:  body.Manager,
		Versions: body.Versions,
		Manifest: []byte(body.Manifest),
		Lockfile: []byte(body.Lockfile),
	})
	if err != nil {
		writeJSONError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cacheResponseBody{
		Fingerprint: resp.Fingerprint,
		DownloadURL: resp.DownloadURL,
		CacheHit:    resp.CacheHit,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]
	rc, _, err := s.downloads.Open(r.Context(), fingerprint)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fingerprint+`.zip"`)
	http.ServeContent(w, r, fingerprint+".zip", time.Time{}, rc)
}

type statsResponseBody struct {
	InstanceID string `json:"instance_id"`
	cachestats.Stats
}

// handleStats exposes the supplemented cache statistics feature
// (SPEC_FULL.md §4) behind the same bearer token as the rest of the API.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := cachestats.Collect(s.cacheDir)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponseBody{InstanceID: s.InstanceID, Stats: stats})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody mirrors the teacher's v2.Errors JSON shape, generalized to
// this engine's six cacheerrors kinds instead of the registry's
// ErrorCode enum.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	var invalid *cacheerrors.InvalidRequest
	var unsupported *cacheerrors.UnsupportedVersion
	var sandboxUnavailable *cacheerrors.SandboxUnavailable
	var installFailure *cacheerrors.InstallFailure
	var storageErr *cacheerrors.StorageError
	var notFound *cacheerrors.NotFound

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_VERSION"
	case errors.As(err, &sandboxUnavailable):
		return http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE"
	case errors.As(err, &installFailure):
		return http.StatusBadGateway, "INSTALL_FAILURE"
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, "STORAGE_ERROR"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
