package httpserver

import (
	"github.com/go-chi/chi/v5"

	"github.com/thibmeu/daphne/aggregator"
)

// DefaultBasePath is the version prefix deployed aggregators serve under.
const DefaultBasePath = "/v09"

// AggregatorHandler adapts one aggregator to the BaseServer's registrar
// interface, mounting its DAP routes under a version prefix.
type AggregatorHandler struct {
	agg      *aggregator.Aggregator
	basePath string
}

// NewAggregatorHandler wraps agg for mounting under basePath. An empty
// basePath falls back to DefaultBasePath.
func NewAggregatorHandler(agg *aggregator.Aggregator, basePath string) *AggregatorHandler {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	return &AggregatorHandler{agg: agg, basePath: basePath}
}

// RegisterRoutes mounts the aggregator's role-specific routes.
func (h *AggregatorHandler) RegisterRoutes(r chi.Router) {
	r.Route(h.basePath, func(r chi.Router) {
		aggregator.NewHandler(h.agg, h.basePath).RegisterRoutes(r)
	})
}
