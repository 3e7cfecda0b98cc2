package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/etl"
	"github.com/padraicbc/docmigrate/mapping"
)

type runRequest struct {
	Tables        []string `json:"tables" validate:"omitempty,dive,required"`
	DryRun        bool     `json:"dryRun"`
	Truncate      bool     `json:"truncate"`
	NoForeignKeys bool     `json:"noForeignKeys"`
	BatchSize     int      `json:"batchSize" validate:"omitempty,min=1,max=100000"`
	Workers       int      `json:"workers" validate:"omitempty,min=1,max=64"`
}

type mappingsResponse struct {
	File   string          `json:"file"`
	Tables []mapping.Table `json:"tables"`
	Layers [][]string      `json:"layers"`
}

// Mappings returns the configured mapping file and its load order.
func (h *Handler) Mappings(c echo.Context) error {
	f, err := mapping.LoadFile(h.cfg.MappingFile)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	layers, err := mapping.Order(f.Tables)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	resp := mappingsResponse{File: h.cfg.MappingFile, Tables: f.Tables}
	for _, layer := range layers {
		names := make([]string, len(layer))
		for i, t := range layer {
			names[i] = t.Name
		}
		resp.Layers = append(resp.Layers, names)
	}
	return c.JSON(http.StatusOK, resp)
}

// ListRuns returns recent runs, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	runs, err := h.repo.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns one run with its per-table results.
func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	run, err := h.repo.GetRun(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// StartRun validates the request, starts a run in the background and
// answers 202 with the run id. Only one run may be active at a time.
func (h *Handler) StartRun(c echo.Context) error {
	var req runRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	f, err := mapping.LoadFile(h.cfg.MappingFile)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := f.Select(req.Tables); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	username, _ := c.Get("username").(string)
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	if len(h.active) > 0 {
		h.mu.Unlock()
		cancel()
		return echo.NewHTTPError(http.StatusConflict, "a run is already in progress")
	}
	h.active[id] = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(ctx, id, username, f, req)

	return c.JSON(http.StatusAccepted, map[string]string{"id": id.String()})
}

func (h *Handler) run(ctx context.Context, id uuid.UUID, username string, f *mapping.File, req runRequest) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		if cancel, ok := h.active[id]; ok {
			cancel()
			delete(h.active, id)
		}
		h.mu.Unlock()
	}()

	log := h.log.With(zap.String("run", id.String()), zap.String("user", username))
	recorder := h.repo.Recorder(username)

	src, err := h.sources(ctx)
	if err != nil {
		log.Error("open source", zap.Error(err))
		now := time.Now().UTC()
		s := &etl.Summary{ID: id, DryRun: req.DryRun, Started: now, Finished: now, Status: etl.StatusFailed, Error: err.Error()}
		rctx := context.WithoutCancel(ctx)
		if err := recorder.RunStarted(rctx, s); err == nil {
			_ = recorder.RunFinished(rctx, s)
		}
		return
	}
	defer closeSource(context.Background(), src, log)

	runner := &etl.Runner{
		Source:          src,
		Sink:            h.sink,
		File:            f,
		BatchSize:       pick(req.BatchSize, h.cfg.BatchSize),
		Workers:         pick(req.Workers, h.cfg.Workers),
		DryRun:          req.DryRun,
		Truncate:        req.Truncate,
		SkipForeignKeys: req.NoForeignKeys,
		RunID:           id,
		Recorder:        recorder,
		Logger:          log,
	}
	summary, err := runner.Run(ctx, req.Tables)
	if err != nil {
		log.Error("run failed", zap.Error(err))
		return
	}
	read, written, skipped := summary.Totals()
	log.Info("run finished",
		zap.String("status", summary.Status),
		zap.Int64("read", read),
		zap.Int64("written", written),
		zap.Int64("skipped", skipped),
	)
}

// CancelRun cancels an active run.
func (h *Handler) CancelRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	h.mu.Lock()
	cancel, ok := h.active[id]
	h.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run is not active")
	}
	cancel()
	return c.JSON(http.StatusAccepted, map[string]string{"id": id.String(), "status": "canceling"})
}
