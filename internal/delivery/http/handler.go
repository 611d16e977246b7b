package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"faas-executor/internal/core/functions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

const (
	maxArchiveSize = 64 << 20
	maxInvokeBody  = 6 << 20
)

// Functions is the version manager as seen by the API.
type Functions interface {
	CreateFunction(ctx context.Context, owner, name string, timeoutSeconds int) (*functions.FunctionDefinition, error)
	GetFunction(ctx context.Context, id string) (*functions.FunctionDefinition, error)
	ListFunctions(ctx context.Context, owner string) ([]functions.FunctionDefinition, error)
	ListDeployments(ctx context.Context, functionID string) ([]functions.Deployment, error)
	Deploy(ctx context.Context, functionID string, archive []byte) (*functions.Deployment, error)
	Rollback(ctx context.Context, functionID string, version int) (bool, error)
	RemoveFunction(ctx context.Context, functionID string) error
}

// Executor runs invocations.
type Executor interface {
	Execute(ctx context.Context, functionID string, req *functions.ExecutionRequest) (*functions.ExecutionResult, error)
}

// Health reports on the container runtime.
type Health interface {
	Available(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
}

type Handler struct {
	fns      Functions
	exec     Executor
	health   Health
	validate *validator.Validate
	lg       zerolog.Logger
}

func NewHandler(fns Functions, exec Executor, health Health, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(lg))
	r.Use(middleware.Recoverer)

	h := &Handler{
		fns:      fns,
		exec:     exec,
		health:   health,
		validate: validator.New(),
		lg:       lg.With().Str("component", "http").Logger(),
	}

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/functions", func(r chi.Router) {
		r.Post("/", h.handleCreateFunction)
		r.Get("/", h.handleListFunctions)
		r.Get("/{functionID}", h.handleGetFunction)
		r.Delete("/{functionID}", h.handleRemoveFunction)
		r.Post("/{functionID}/deployments", h.handleDeploy)
		r.Get("/{functionID}/deployments", h.handleListDeployments)
		r.Post("/{functionID}/rollback", h.handleRollback)
		r.HandleFunc("/{functionID}/invoke", h.handleInvoke)
		r.HandleFunc("/{functionID}/invoke/*", h.handleInvoke)
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(lg zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				lg.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

type createFunctionRequest struct {
	Owner          string `json:"owner" validate:"required,max=128"`
	Name           string `json:"name" validate:"required,max=128"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gte=0,lte=900"`
}

type rollbackRequest struct {
	Version int `json:"version" validate:"gt=0"`
}

// handleCreateFunction registers a new function definition.
// @Summary  Create a function
// @Accept   json
// @Produce  json
// @Param    body  body      createFunctionRequest  true  "function"
// @Success  201   {object}  functions.FunctionDefinition
// @Router   /functions [post]
func (h *Handler) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	var req createFunctionRequest
	if !h.decode(w, r, &req) {
		return
	}
	fn, err := h.fns.CreateFunction(r.Context(), req.Owner, req.Name, req.TimeoutSeconds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fn)
}

// handleListFunctions lists functions, optionally of one owner.
// @Summary  List functions
// @Produce  json
// @Param    owner  query  string  false  "owner"
// @Success  200  {array}  functions.FunctionDefinition
// @Router   /functions [get]
func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.fns.ListFunctions(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// @Summary  Get a function
// @Produce  json
// @Param    functionID  path  string  true  "function id"
// @Success  200  {object}  functions.FunctionDefinition
// @Router   /functions/{functionID} [get]
func (h *Handler) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.fns.GetFunction(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

// handleRemoveFunction deletes a function and every artifact of its history.
// @Summary  Remove a function
// @Param    functionID  path  string  true  "function id"
// @Success  204
// @Router   /functions/{functionID} [delete]
func (h *Handler) handleRemoveFunction(w http.ResponseWriter, r *http.Request) {
	if err := h.fns.RemoveFunction(r.Context(), chi.URLParam(r, "functionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeploy uploads a zip archive as the next version of a function.
// @Summary  Deploy a new version
// @Accept   multipart/form-data
// @Produce  json
// @Param    functionID  path      string  true  "function id"
// @Param    archive     formData  file    true  "zip of the Dart package"
// @Success  201  {object}  functions.Deployment
// @Router   /functions/{functionID}/deployments [post]
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveSize)
	if err := r.ParseMultipartForm(maxArchiveSize); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "missing 'archive' in form")
		return
	}
	defer file.Close()
	archive, err := io.ReadAll(file)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "unreadable archive")
		return
	}

	dep, err := h.fns.Deploy(r.Context(), chi.URLParam(r, "functionID"), archive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// @Summary  List deployments
// @Produce  json
// @Param    functionID  path  string  true  "function id"
// @Success  200  {array}  functions.Deployment
// @Router   /functions/{functionID}/deployments [get]
func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := h.fns.ListDeployments(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

// handleRollback makes an earlier version active again.
// @Summary  Roll back to a version
// @Accept   json
// @Produce  json
// @Param    functionID  path  string           true  "function id"
// @Param    body        body  rollbackRequest  true  "target version"
// @Router   /functions/{functionID}/rollback [post]
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.fns.Rollback(r.Context(), chi.URLParam(r, "functionID"), req.Version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "version": req.Version})
}

// handleInvoke runs the active deployment with the incoming request.
// @Summary  Invoke a function
// @Produce  json
// @Param    functionID  path  string  true  "function id"
// @Success  200  {object}  functions.ExecutionResult
// @Router   /functions/{functionID}/invoke [post]
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, err := executionRequest(w, r)
	if err != nil {
		writeFailure(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	res, err := h.exec.Execute(r.Context(), chi.URLParam(r, "functionID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := res.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusOK
		if !res.Success {
			status = http.StatusInternalServerError
		}
	}
	for k, v := range res.Headers {
		if guestHeaderAllowed(k) {
			w.Header().Set(k, v)
		}
	}
	writeJSON(w, status, res)
}

// reservedHeaders are owned by this server: the response body is the JSON
// envelope it encodes, and hop-by-hop headers describe the connection.
var reservedHeaders = map[string]bool{
	"Connection":          true,
	"Content-Encoding":    true,
	"Content-Length":      true,
	"Content-Type":        true,
	"Keep-Alive":          true,
	"Set-Cookie":          true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
}

// guestHeaderAllowed reports whether a header set by a function may reach
// the caller.
func guestHeaderAllowed(name string) bool {
	if name == "" || strings.ContainsAny(name, " \t\r\n:") {
		return false
	}
	return !reservedHeaders[http.CanonicalHeaderKey(name)]
}

// executionRequest converts r into what the guest sees. A body that is not
// JSON is passed as a JSON string.
func executionRequest(w http.ResponseWriter, r *http.Request) (*functions.ExecutionRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvokeBody))
	if err != nil {
		return nil, err
	}
	req := &functions.ExecutionRequest{
		Method:  r.Method,
		Path:    "/" + chi.URLParam(r, "*"),
		Headers: map[string]string{},
		Query:   map[string]string{},
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			req.Headers[strings.ToLower(k)] = v[0]
		}
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}
	switch {
	case len(body) == 0:
	case json.Valid(body):
		req.Body = body
	default:
		req.Body, _ = json.Marshal(string(body))
	}
	return req, nil
}

// @Summary  Runtime health
// @Produce  json
// @Router   /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.health.Available(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	version, err := h.health.Version(r.Context())
	if err != nil {
		h.lg.Warn().Err(err).Msg("runtime version")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "runtimeVersion": version})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeFailure(w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		writeFailure(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func statusOf(code functions.Code) int {
	switch code {
	case functions.CodeValidation:
		return http.StatusBadRequest
	case functions.CodeNotFound, functions.CodeNoDeployment:
		return http.StatusNotFound
	case functions.CodeMissingImage:
		return http.StatusConflict
	case functions.CodeCapacity:
		return http.StatusTooManyRequests
	case functions.CodeTimeout:
		return http.StatusGatewayTimeout
	case functions.CodeInconsistentResult:
		return http.StatusBadGateway
	case functions.CodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case functions.CodeBuildFailure:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError logs err with its cause and answers with its public message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := functions.CodeOf(err)
	status := statusOf(code)
	ev := h.lg.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.lg.Error()
	}
	ev.Err(err).Str("code", string(code)).Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	writeFailure(w, status, functions.PublicMessage(err))
}

type failure struct {
	Success bool    `json:"success"`
	Error   string  `json:"error"`
	Result  *string `json:"result"`
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, failure{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
