// Package api exposes the backend facade over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/conversation"
	"github.com/quirehq/quire/internal/document"
	"github.com/quirehq/quire/internal/jobs"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

const (
	maxBodySize     = 25 << 20 // 25MB, voice messages included
	shutdownTimeout = 10 * time.Second
)

const (
	nameUnauthorized   = "Unauthorized"
	nameInvalidRequest = "InvalidRequest"
)

// Deps holds what the HTTP API needs.
type Deps struct {
	Backend     *usecase.Backend
	Token       string
	CORSOrigins []string
}

// NewHandler builds the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, result.OK(map[string]string{"status": "ok"}))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		b := deps.Backend

		r.Route("/collections", func(r chi.Router) {
			r.Post("/", handle(b, collection.Create, func(r *http.Request) (collection.CreateInput, error) {
				var in collection.CreateInput
				return in, decodeBody(r, &in)
			}))
			r.Get("/", handleRead(b, collection.List, noInput))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleRead(b, collection.Get, collectionInput))
				r.Delete("/", handle(b, collection.Delete, collectionInput))
				r.Put("/schema", handle(b, collection.UpdateSchema, func(r *http.Request) (collection.UpdateSchemaInput, error) {
					var in collection.UpdateSchemaInput
					err := decodeBody(r, &in)
					in.CollectionID = chi.URLParam(r, "id")
					return in, err
				}))

				r.Post("/documents", handle(b, document.Create, func(r *http.Request) (document.CreateInput, error) {
					var in struct {
						Content            json.RawMessage `json:"content"`
						SkipDuplicateCheck bool            `json:"skip_duplicate_check"`
					}
					err := decodeBody(r, &in)
					return document.CreateInput{
						CollectionID:       chi.URLParam(r, "id"),
						Content:            in.Content,
						SkipDuplicateCheck: in.SkipDuplicateCheck || queryBool(r, "skip_duplicate_check"),
					}, err
				}))
				r.Get("/documents", handleRead(b, document.List, func(r *http.Request) (document.ListInput, error) {
					return document.ListInput{CollectionID: chi.URLParam(r, "id")}, nil
				}))
				r.Post("/documents/batch", handle(b, document.CreateMany, func(r *http.Request) (document.CreateManyInput, error) {
					var in struct {
						Documents          []json.RawMessage `json:"documents"`
						SkipDuplicateCheck bool              `json:"skip_duplicate_check"`
					}
					err := decodeBody(r, &in)
					return document.CreateManyInput{
						CollectionID:       chi.URLParam(r, "id"),
						Contents:           in.Documents,
						SkipDuplicateCheck: in.SkipDuplicateCheck || queryBool(r, "skip_duplicate_check"),
					}, err
				}))
				r.Get("/documents/{docID}", handleRead(b, document.Get, documentInput))
				r.Delete("/documents/{docID}", handle(b, document.Delete, documentInput))
				r.Get("/documents/{docID}/versions", handleRead(b, document.Versions, documentInput))
				r.Post("/documents/{docID}/versions", handle(b, document.CreateNewVersion, func(r *http.Request) (document.CreateNewVersionInput, error) {
					var in struct {
						LatestVersionID string          `json:"latest_version_id"`
						Content         json.RawMessage `json:"content"`
					}
					err := decodeBody(r, &in)
					return document.CreateNewVersionInput{
						CollectionID:    chi.URLParam(r, "id"),
						DocumentID:      chi.URLParam(r, "docID"),
						LatestVersionID: in.LatestVersionID,
						Content:         in.Content,
					}, err
				}))
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handle(b, conversation.Start, func(r *http.Request) (conversation.StartInput, error) {
				var in conversation.StartInput
				return in, decodeBody(r, &in)
			}))
			r.Get("/", handleRead(b, conversation.List, func(r *http.Request) (conversation.ListInput, error) {
				return conversation.ListInput{Limit: queryInt(r, "limit")}, nil
			}))
			r.Get("/{id}", handleRead(b, conversation.Get, func(r *http.Request) (conversation.GetInput, error) {
				return conversation.GetInput{ConversationID: chi.URLParam(r, "id")}, nil
			}))
			r.Post("/{id}/messages", handle(b, conversation.SendMessage, func(r *http.Request) (conversation.SendMessageInput, error) {
				var in conversation.SendMessageInput
				err := decodeBody(r, &in)
				in.ConversationID = chi.URLParam(r, "id")
				return in, err
			}))
			r.Post("/{id}/recover", handle(b, conversation.Recover, func(r *http.Request) (conversation.RecoverInput, error) {
				return conversation.RecoverInput{ConversationID: chi.URLParam(r, "id")}, nil
			}))
		})

		r.Get("/jobs", handleRead(b, jobs.List, func(r *http.Request) (jobs.ListInput, error) {
			return jobs.ListInput{Status: storage.JobStatus(r.URL.Query().Get("status")), Limit: queryInt(r, "limit")}, nil
		}))
		r.Get("/jobs/{id}", handleRead(b, jobs.Get, func(r *http.Request) (jobs.GetInput, error) {
			return jobs.GetInput{JobID: chi.URLParam(r, "id")}, nil
		}))
	})

	return r
}

// handle adapts a writing operation into a handler. parse builds its input
// from the request; a parse error is a 400.
func handle[In, Out any](b *usecase.Backend, op usecase.Func[In, Out], parse func(*http.Request) (In, error)) http.HandlerFunc {
	return respond(parse, func(ctx context.Context, in In) result.Result[Out] {
		return usecase.Run(ctx, b, op, in)
	})
}

// handleRead is handle for read-only operations. They run on the read pool
// and never wait for a job in progress.
func handleRead[In, Out any](b *usecase.Backend, op usecase.Func[In, Out], parse func(*http.Request) (In, error)) http.HandlerFunc {
	return respond(parse, func(ctx context.Context, in In) result.Result[Out] {
		return usecase.Read(ctx, b, op, in)
	})
}

func respond[In, Out any](parse func(*http.Request) (In, error), run func(context.Context, In) result.Result[Out]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := parse(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, nameInvalidRequest, "invalid request body: %v", err)
			return
		}
		res := run(r.Context(), in)
		writeJSON(w, statusFor(res.Error), res)
	}
}

func noInput(*http.Request) (struct{}, error) { return struct{}{}, nil }

func collectionInput(r *http.Request) (collection.GetInput, error) {
	return collection.GetInput{CollectionID: chi.URLParam(r, "id")}, nil
}

func documentInput(r *http.Request) (document.GetInput, error) {
	return document.GetInput{CollectionID: chi.URLParam(r, "id"), DocumentID: chi.URLParam(r, "docID")}, nil
}

func decodeBody(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

var conflicts = map[string]bool{
	document.NameVersionConflict:         true,
	document.NameDuplicateDetected:       true,
	collection.NameNotEmpty:              true,
	conversation.NameIsIdle:              true,
	conversation.NameIsProcessing:        true,
	conversation.NameHasOutdatedContext:  true,
	conversation.NameStatusNotIdle:       true,
	conversation.NameStatusNotProcessing: true,
}

// statusFor maps a failure onto an HTTP status.
func statusFor(e *result.Error) int {
	switch {
	case e == nil:
		return http.StatusOK
	case e.Name == result.NameUnexpected:
		return http.StatusInternalServerError
	case strings.HasSuffix(e.Name, "NotFound"):
		return http.StatusNotFound
	case conflicts[e.Name]:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, name string, format string, args ...any) {
	writeJSON(w, code, result.Fail[struct{}](result.New(name, map[string]string{
		"message": fmt.Sprintf(format, args...),
	})))
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
