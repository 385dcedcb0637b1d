package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/healthgrid-eu/healthgrid/internal/store"
)

// Writer maintains the record lifecycle: create, version-superseding update,
// soft delete.
type Writer interface {
	Create(ctx context.Context, tenantID, resourceType string, content json.RawMessage) (store.Record, error)
	Update(ctx context.Context, tenantID, resourceType, resourceID string, content json.RawMessage) (store.Record, error)
	Delete(ctx context.Context, tenantID, resourceType, resourceID string) error
}

// ResourceHandler exposes the write paths. Validation of the payload against
// the resource schema happens upstream; the handler only requires valid JSON.
type ResourceHandler struct {
	writer Writer
}

// NewResourceHandler returns a handler over the given writer.
func NewResourceHandler(writer Writer) *ResourceHandler {
	return &ResourceHandler{writer: writer}
}

// Register mounts the write routes.
func (h *ResourceHandler) Register(app *fiber.App) {
	app.Post("/fhir/:resourceType", h.handleCreate)
	app.Put("/fhir/:resourceType/:id", h.handleUpdate)
	app.Delete("/fhir/:resourceType/:id", h.handleDelete)
}

func tenantOf(c fiber.Ctx) string {
	if t := c.Get(TenantHeader); t != "" {
		return t
	}
	return defaultTenant
}

func validBody(c fiber.Ctx) (json.RawMessage, error) {
	body := c.Body()
	if !json.Valid(body) {
		return nil, fiber.NewError(fiber.StatusBadRequest, "body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (h *ResourceHandler) handleCreate(c fiber.Ctx) error {
	content, err := validBody(c)
	if err != nil {
		return err
	}
	record, err := h.writer.Create(c.Context(), tenantOf(c), c.Params("resourceType"), content)
	if err != nil {
		log.Error().Err(err).Msg("Create failed")
		return fiber.NewError(fiber.StatusInternalServerError, "create failed")
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *ResourceHandler) handleUpdate(c fiber.Ctx) error {
	content, err := validBody(c)
	if err != nil {
		return err
	}
	record, err := h.writer.Update(c.Context(), tenantOf(c), c.Params("resourceType"), c.Params("id"), content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no current record")
		}
		log.Error().Err(err).Msg("Update failed")
		return fiber.NewError(fiber.StatusInternalServerError, "update failed")
	}
	return c.JSON(record)
}

func (h *ResourceHandler) handleDelete(c fiber.Ctx) error {
	err := h.writer.Delete(c.Context(), tenantOf(c), c.Params("resourceType"), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no current record")
		}
		log.Error().Err(err).Msg("Delete failed")
		return fiber.NewError(fiber.StatusInternalServerError, "delete failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
