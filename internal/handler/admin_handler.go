package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	regionerrors "github.com/devrev/pairdb/region-server/internal/errors"
	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/service"
)

// AdminHandler exposes the region server's operational surface: listing
// online regions and submitting compaction requests. Regions are
// addressed by their encoded name.
type AdminHandler struct {
	registry  *service.RegionRegistry
	compactor *service.CompactSplitService
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(registry *service.RegionRegistry, compactor *service.CompactSplitService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		registry:  registry,
		compactor: compactor,
		logger:    logger,
	}
}

// Routes builds the admin router.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/regions", h.listRegions)
		r.Get("/regions/{region}", h.getRegion)
		r.Post("/regions/{region}/compaction", h.requestCompaction)
		r.Get("/compactions", h.compactionStatus)
	})

	return r
}

// compactionRequestBody is the POST payload for a compaction request.
type compactionRequestBody struct {
	Priority string `json:"priority,omitempty"`
	Major    bool   `json:"major,omitempty"`
	Why      string `json:"why,omitempty"`
}

type regionListResponse struct {
	Regions []*model.RegionDescriptor `json:"regions"`
	Count   int                       `json:"count"`
}

type compactionStatusResponse struct {
	QueueSize int `json:"queue_size"`
}

func (h *AdminHandler) listRegions(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.List()
	writeJSON(w, http.StatusOK, regionListResponse{Regions: descs, Count: len(descs)})
}

func (h *AdminHandler) getRegion(w http.ResponseWriter, r *http.Request) {
	encodedName := chi.URLParam(r, "region")
	region := h.registry.Get(encodedName)
	if region == nil {
		h.writeError(w, regionerrors.RegionNotFound(encodedName))
		return
	}
	writeJSON(w, http.StatusOK, region.Descriptor())
}

func (h *AdminHandler) requestCompaction(w http.ResponseWriter, r *http.Request) {
	encodedName := chi.URLParam(r, "region")
	region := h.registry.Get(encodedName)
	if region == nil {
		h.writeError(w, regionerrors.RegionNotFound(encodedName))
		return
	}

	var body compactionRequestBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, regionerrors.InvalidArgument("malformed request body", err))
			return
		}
	}

	// Unknown priority names fall back to normal rather than failing the
	// request; a typo in an operator script should not block a compaction.
	priority := model.ParseCompactionPriority(body.Priority)

	why := body.Why
	if why == "" {
		why = "admin request"
	}

	h.compactor.Request(region, body.Major, why, priority)
	h.logger.Info("Admin compaction request accepted",
		zap.String("region", region.Name()),
		zap.String("priority", priority.String()),
		zap.Bool("major", body.Major))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"region":     region.Name(),
		"priority":   priority.String(),
		"major":      body.Major,
		"queue_size": h.compactor.QueueSize(),
	})
}

func (h *AdminHandler) compactionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, compactionStatusResponse{QueueSize: h.compactor.QueueSize()})
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err *regionerrors.RegionError) {
	writeJSON(w, err.HTTPStatus(), map[string]interface{}{
		"error":   err.Message,
		"code":    err.Code,
		"details": err.Details,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
