// Package handler exposes the audit ledger over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LedgerHandler serves append, query, verification, export and statistics
// endpoints for per-subject audit chains.
type LedgerHandler struct {
	ledger *auditchain.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger *auditchain.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/subjects/:subject")
	{
		s.POST("/entries", h.Append)
		s.GET("/entries", h.ListEntries)
		s.GET("/verify", h.Verify)
		s.GET("/export", h.Export)
	}
	rg.GET("/entries/:id", h.GetEntry)
	rg.GET("/statistics", h.Statistics)
}

type appendRequest struct {
	ActionType    string           `json:"action_type" binding:"required"`
	PerformedBy   string           `json:"performed_by"`
	ResourceID    string           `json:"resource_id"`
	ActionDetails canonical.Object `json:"action_details"`
	Content       json.RawMessage  `json:"content"`
}

// Append handles POST /subjects/:subject/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ar := auditchain.AppendRequest{
		SubjectID:     c.Param("subject"),
		ActionType:    auditchain.ActionType(req.ActionType),
		PerformedBy:   req.PerformedBy,
		ResourceID:    req.ResourceID,
		ActionDetails: req.ActionDetails,
	}
	if len(req.Content) > 0 && string(req.Content) != "null" {
		content, err := canonical.ParseJSON(req.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ar.Content = content
	}

	entry, err := h.ledger.Append(c.Request.Context(), ar)
	if err != nil {
		h.respondError(c, "append", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListEntries handles GET /subjects/:subject/entries.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := h.ledger.Query(c.Request.Context(), auditchain.Filter{
		SubjectID:  c.Param("subject"),
		ActionType: auditchain.ActionType(c.Query("action_type")),
		ResourceID: c.Query("resource_id"),
		Limit:      limit,
	})
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	if entries == nil {
		entries = []*auditchain.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"subject_id": c.Param("subject"),
		"count":      len(entries),
		"entries":    entries,
	})
}

// Verify handles GET /subjects/:subject/verify. A broken chain is still a
// 200: the findings are the response.
func (h *LedgerHandler) Verify(c *gin.Context) {
	opts := auditchain.VerifyOptions{}
	if s := c.Query("signatures"); s != "" {
		check, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signatures must be a boolean"})
			return
		}
		opts.SkipSignatures = !check
	}
	if s := c.Query("policy"); s != "" {
		policy, err := auditchain.ParseVerifyPolicy(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts.Policy = policy
	}

	report, err := h.ledger.Verify(c.Request.Context(), c.Param("subject"), opts)
	if err != nil {
		h.respondError(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Export handles GET /subjects/:subject/export.
func (h *LedgerHandler) Export(c *gin.Context) {
	opts := auditchain.ExportOptions{}
	if s := c.Query("include_sensitive"); s != "" {
		include, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_sensitive must be a boolean"})
			return
		}
		opts.IncludeSensitive = include
	}

	bundle, err := h.ledger.Export(c.Request.Context(), c.Param("subject"), opts)
	if err != nil {
		h.respondError(c, "export", err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// GetEntry handles GET /entries/:id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	entry, found, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Statistics handles GET /statistics?subject=.
func (h *LedgerHandler) Statistics(c *gin.Context) {
	stats, err := h.ledger.Statistics(c.Request.Context(), c.Query("subject"))
	if err != nil {
		h.respondError(c, "statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError maps ledger errors onto HTTP status codes.
func (h *LedgerHandler) respondError(c *gin.Context, op string, err error) {
	var (
		encErr     *canonical.EncodingError
		storageErr *auditchain.StorageError
	)
	switch {
	case errors.Is(err, auditchain.ErrInvalidEntry), errors.As(err, &encErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auditchain.ErrConflict):
		h.logger.Warn("ledger "+op+" conflict", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &storageErr):
		h.logger.Error("ledger "+op+" storage failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit storage unavailable"})
	default:
		h.logger.Error("ledger "+op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
