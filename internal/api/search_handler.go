// Package api exposes the search subsystem over HTTP. The handler is a thin
// adapter: tenancy resolution, authentication, and resource validation live
// outside it; it only shapes requests for the compiler and responses from
// the executor.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/healthgrid-eu/healthgrid/internal/config"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
	"github.com/healthgrid-eu/healthgrid/internal/store"
)

// TenantHeader names the tenant a request searches in. Resolving the header
// to a real tenant is the platform's job; an absent header falls back to the
// default tenant for single-tenant deployments.
const TenantHeader = "X-Tenant-ID"

const defaultTenant = "default"

// Searcher executes a compiled filter expression.
type Searcher interface {
	Search(ctx context.Context, resourceType string, filter predicate.Expression, opts store.SearchOptions) (store.Page, error)
}

// SearchHandler wires the predicate compiler and the query executor to HTTP.
type SearchHandler struct {
	compiler *predicate.Compiler
	searcher Searcher
	cfg      *config.APIConfig
}

// NewSearchHandler returns a handler over the given collaborators.
func NewSearchHandler(compiler *predicate.Compiler, searcher Searcher, cfg *config.APIConfig) *SearchHandler {
	return &SearchHandler{compiler: compiler, searcher: searcher, cfg: cfg}
}

// Register mounts the search routes.
func (h *SearchHandler) Register(app *fiber.App) {
	app.Get("/fhir/:resourceType", h.handleSearch)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
}

// bundle is a minimal searchset response.
type bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int64         `json:"total"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

type bundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

func (h *SearchHandler) handleSearch(c fiber.Ctx) error {
	resourceType := c.Params("resourceType")
	tenantID := c.Get(TenantHeader)
	if tenantID == "" {
		tenantID = defaultTenant
	}

	params := queryParameters(c)
	filter := h.compiler.Compile(resourceType, tenantID, params)
	opts := h.searchOptions(params)

	page, err := h.searcher.Search(c.Context(), resourceType, filter, opts)
	if err != nil {
		log.Error().
			Err(err).
			Str("resource_type", resourceType).
			Msg("Search execution failed")
		return fiber.NewError(fiber.StatusInternalServerError, "search failed")
	}

	resp := bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        page.Total,
	}
	for _, r := range page.Records {
		resp.Entry = append(resp.Entry, bundleEntry{Resource: r.Content})
	}
	return c.JSON(resp)
}

// queryParameters preserves the request's parameter order; repeated keys
// each contribute their own entry.
func queryParameters(c fiber.Ctx) []predicate.Parameter {
	var params []predicate.Parameter
	c.RequestCtx().QueryArgs().VisitAll(func(key, value []byte) {
		params = append(params, predicate.Parameter{
			Name:  string(key),
			Value: string(value),
		})
	})
	return params
}

// searchOptions extracts ordering and pagination from the control
// parameters. The filter compiler skips these.
func (h *SearchHandler) searchOptions(params []predicate.Parameter) store.SearchOptions {
	opts := store.SearchOptions{Limit: h.cfg.DefaultPageSize}
	for _, p := range params {
		switch p.Name {
		case "_count":
			if n, err := strconv.Atoi(p.Value); err == nil && n > 0 {
				opts.Limit = n
			}
		case "_offset":
			if n, err := strconv.Atoi(p.Value); err == nil && n >= 0 {
				opts.Offset = n
			}
		case "_sort":
			opts.Sort = parseSort(p.Value)
		}
	}
	if h.cfg.MaxPageSize > 0 && opts.Limit > h.cfg.MaxPageSize {
		opts.Limit = h.cfg.MaxPageSize
	}
	return opts
}

// sortColumns maps sortable parameter names onto metadata columns. Sorting
// by payload fields is not supported.
var sortColumns = map[string]string{
	"_lastUpdated": predicate.ColumnLastUpdated,
	"_id":          predicate.ColumnResourceID,
}

func parseSort(value string) []store.SortField {
	var fields []store.SortField
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		part = strings.TrimPrefix(part, "-")
		col, ok := sortColumns[part]
		if !ok {
			log.Debug().Str("sort", part).Msg("Unsupported sort field, ignoring")
			continue
		}
		fields = append(fields, store.SortField{Column: col, Desc: desc})
	}
	return fields
}
