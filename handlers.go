package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/posterbeat/posterbeat/internal/apierr"
	"github.com/posterbeat/posterbeat/internal/artifact"
	"github.com/posterbeat/posterbeat/internal/auth"
	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/generate"
	"github.com/posterbeat/posterbeat/internal/poster"
	"github.com/posterbeat/posterbeat/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// posterRequest is the JSON body accepted by the generation endpoints. The
// custom cover is base64-encoded PNG or JPEG bytes.
type posterRequest struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Theme       string `json:"theme"`
	ShowIndex   bool   `json:"show_index"`
	ShowAccent  bool   `json:"show_accent"`
	CustomCover string `json:"custom_cover"`
}

// posterResponse points the client at the stored artifact.
type posterResponse struct {
	Reference string `json:"reference"`
	Thumbhash string `json:"thumbhash,omitempty"`
	Cached    bool   `json:"cached"`
	CreatedAt string `json:"created_at"`
}

type loginRequest struct {
	DeviceID   string `json:"device_id"`
	Credential string `json:"credential"`
}

func handleLogin(gate *auth.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Info().Msgf("invalid login body: %v", err)
			writeAPIError(w, apierr.InvalidRequest("request body must be valid JSON"))
			return
		}

		token, err := gate.Login(req.DeviceID, req.Credential)
		if err != nil {
			if errors.Is(err, auth.ErrLoginUnsupported) {
				requestError(w, http.StatusNotFound)
				return
			}
			// deliberately uniform: don't reveal whether the device exists
			log.Info().Msgf("login refused: %v", err)
			writeAPIError(w, apierr.Unauthorized(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(token); err != nil {
			log.Info().Msgf("failed to write login response: %v", err)
		}
	})
}

func handleGeneratePoster(coordinator *generate.Coordinator, themes *poster.ThemeSet, kind catalog.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var body posterRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Info().Msgf("invalid poster request body: %v", err)
			writeAPIError(w, apierr.InvalidRequest("request body must be valid JSON"))
			return
		}

		flags := poster.Flags{
			ShowIndex:  body.ShowIndex,
			ShowAccent: body.ShowAccent,
		}
		if body.CustomCover != "" {
			cover, err := base64.StdEncoding.DecodeString(body.CustomCover)
			if err != nil {
				writeAPIError(w, apierr.InvalidRequest("custom_cover must be base64-encoded image bytes"))
				return
			}
			flags.CustomCover = cover
		}

		req, err := generate.NewRequest(kind, body.Title, body.Artist, body.Theme, flags, themes)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := coordinator.Generate(r.Context(), req)
		if err != nil {
			log.Info().Msgf("poster generation failed: %v", err)
			writeError(w, err)
			return
		}

		response := posterResponse{
			Reference: result.Artifact.Reference,
			Thumbhash: result.Artifact.Thumbhash,
			Cached:    result.CacheHit,
			CreatedAt: result.Artifact.CreatedAt.Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Info().Msgf("failed to write response: %v", err)
		}
	})
}

func handleGetPoster(store *artifact.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		reference := r.PathValue("kind") + "/" + r.PathValue("slug")
		if !artifact.ValidReference(reference) {
			writeAPIError(w, apierr.InvalidRequest("malformed poster reference"))
			return
		}

		image, ok, err := store.Open(reference)
		if err != nil {
			log.Info().Msgf("poster read failed: %v", err)
			requestError(w, http.StatusInternalServerError)
			return
		}
		if !ok {
			writeAPIError(w, apierr.NotFound("poster not found"))
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		if _, err := w.Write(image); err != nil {
			log.Info().Msgf("failed to write poster response: %v", err)
		}
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// rateLimited enforces the per-identity request allowance. It must run after
// the authorizer, which guarantees an identity in the request context.
func rateLimited(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.RequireIdentityFromContext(r.Context())

			ok, retryAfter := limiter.Allow(identity.Principal)
			if !ok {
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				writeAPIError(w, apierr.RateLimited(seconds))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// writeError maps any error to its JSON response, deferring to the error's
// own status when it provides one.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	status, message := errorStatus(err)
	writeJSONError(w, status, "", message)
}

func writeAPIError(w http.ResponseWriter, err *apierr.Error) {
	if err.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	}
	status, message := err.Status()
	writeJSONError(w, status, string(err.Kind), message)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Kind: kind, Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5 MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
