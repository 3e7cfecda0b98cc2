package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/config"
	"github.com/padraicbc/docmigrate/etl"
	mw "github.com/padraicbc/docmigrate/middleware"
	"github.com/padraicbc/docmigrate/models"
	"github.com/padraicbc/docmigrate/source"
	"github.com/padraicbc/docmigrate/verify"
)

// Repository is the bookkeeping storage behind the console.
type Repository interface {
	FindUser(ctx context.Context, username string) (*models.User, error)
	ListRuns(ctx context.Context, limit int) ([]models.MigrationRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.MigrationRun, error)
	Recorder(startedBy string) etl.Recorder
	SaveVerification(ctx context.Context, res *verify.Result) (*models.Verification, error)
	ListVerifications(ctx context.Context, limit int) ([]models.Verification, error)
	SaveAnalysis(ctx context.Context, report *analyzer.Report) (*models.AnalysisReport, error)
	LatestAnalysis(ctx context.Context) (*models.AnalysisReport, error)
}

// Sink is the relational store runs write to and verification reads from.
type Sink interface {
	etl.Sink
	verify.Store
}

// SourceFunc opens the document store for one operation.
type SourceFunc func(ctx context.Context) (source.Source, error)

// Handler holds shared dependencies used by all route handlers.
type Handler struct {
	repo      Repository
	sink      Sink
	sources   SourceFunc
	cfg       *config.Config
	log       *zap.Logger
	validator *validator.Validate
	JWTKey    []byte

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Handler. repo reports missing records with db.ErrNotFound.
func New(cfg *config.Config, repo Repository, sink Sink, sources SourceFunc, log *zap.Logger) *Handler {
	return &Handler{
		repo:      repo,
		sink:      sink,
		sources:   sources,
		cfg:       cfg,
		log:       log,
		validator: validator.New(),
		JWTKey:    cfg.JWTKey(),
		active:    map[uuid.UUID]context.CancelFunc{},
	}
}

// Register mounts the console routes on e.
func (h *Handler) Register(e *echo.Echo) {
	// Public
	e.POST("/api/signin", h.Signin)

	// Protected – require valid JWT in Authorization header
	api := e.Group("/api", mw.JWT(h.JWTKey))
	api.POST("/password-hash", h.PasswordHash)
	api.GET("/mappings", h.Mappings)
	api.GET("/runs", h.ListRuns)
	api.POST("/runs", h.StartRun)
	api.GET("/runs/:id", h.GetRun)
	api.POST("/runs/:id/cancel", h.CancelRun)
	api.POST("/analysis", h.Analyze)
	api.GET("/analysis/latest", h.LatestAnalysis)
	api.POST("/verify", h.Verify)
	api.GET("/verifications", h.ListVerifications)
}

// Wait blocks until every background run has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown cancels background runs and waits for them to stop.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	for _, cancel := range h.active {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// bind decodes the request body into req and validates it.
func (h *Handler) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validator.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("validation error: %s - %s", ve[0].Field(), ve[0].Tag())
	}
	return "validation error: invalid request"
}

// limitParam reads the limit query parameter (default 50, at most 500).
func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
	}
	return n, nil
}

func (h *Handler) openSource(c echo.Context) (source.Source, error) {
	src, err := h.sources(c.Request().Context())
	if err != nil {
		h.log.Error("open source", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusBadGateway, "document store unavailable")
	}
	return src, nil
}

func closeSource(ctx context.Context, src source.Source, log *zap.Logger) {
	if err := src.Close(ctx); err != nil {
		log.Warn("close source", zap.Error(err))
	}
}

func pick(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}
