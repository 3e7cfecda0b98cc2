package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/verify"
)

type analysisRequest struct {
	Collections  []string `json:"collections" validate:"omitempty,dive,required"`
	SampleSize   int      `json:"sampleSize" validate:"omitempty,min=1,max=100000"`
	Threshold    float64  `json:"threshold" validate:"omitempty,gt=0,lte=1"`
	ValidateRefs bool     `json:"validateRefs"`
}

type verifyRequest struct {
	Tables     []string `json:"tables" validate:"omitempty,dive,required"`
	SampleSize int      `json:"sampleSize" validate:"omitempty,min=1,max=10000"`
	Junctions  bool     `json:"junctions"`
}

// Analyze samples the document store and stores the resulting report.
func (h *Handler) Analyze(c echo.Context) error {
	var req analysisRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	src, err := h.openSource(c)
	if err != nil {
		return err
	}
	defer closeSource(ctx, src, h.log)

	threshold := req.Threshold
	if threshold == 0 {
		threshold = h.cfg.TypeThreshold
	}
	report, err := analyzer.Analyze(ctx, src, req.Collections, analyzer.Options{
		SampleSize:   pick(req.SampleSize, h.cfg.SampleSize),
		Threshold:    threshold,
		ValidateRefs: req.ValidateRefs,
		Logger:       h.log,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	saved, err := h.repo.SaveAnalysis(ctx, report)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, saved)
}

// LatestAnalysis returns the newest stored analyzer report.
func (h *Handler) LatestAnalysis(c echo.Context) error {
	a, err := h.repo.LatestAnalysis(c.Request().Context())
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no analysis yet")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

// Verify compares the sink with the document store and stores the result.
func (h *Handler) Verify(c echo.Context) error {
	var req verifyRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	f, err := mapping.LoadFile(h.cfg.MappingFile)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	tables, err := f.Select(req.Tables)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	src, err := h.openSource(c)
	if err != nil {
		return err
	}
	defer closeSource(ctx, src, h.log)

	res, err := verify.Verify(ctx, src, h.sink, tables, verify.Options{
		SampleSize: req.SampleSize,
		Junctions:  req.Junctions,
		Logger:     h.log,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	saved, err := h.repo.SaveVerification(ctx, res)
	if err != nil {
		h.log.Warn("save verification", zap.Error(err))
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusOK, saved)
}

// ListVerifications returns recent verifier results, newest first.
func (h *Handler) ListVerifications(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	out, err := h.repo.ListVerifications(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
