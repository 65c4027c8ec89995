package http

import (
	"github.com/gofiber/fiber/v2"

	"apigen/internal/model"
	"apigen/internal/registry"
)

func healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "api-endpoint-server",
	})
}

// dataHandler serves a registered endpoint's JSON. Every registered endpoint
// is expressed through this single route; new rows are observable
// immediately, with no route mounting or restart.
func dataHandler(c *fiber.Ctx) error {
	reg := c.Locals("registry").(*registry.Registry)
	endpointID := c.Params("endpoint_id")

	rec, err := reg.Get(c.Context(), endpointID)
	if err != nil {
		return internalError(c)
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":       "Endpoint not found",
			"endpoint_id": endpointID,
		})
	}

	if c.Query("metadata") == "true" {
		return c.JSON(fiber.Map{
			"data": rec.JSONData,
			"metadata": fiber.Map{
				"description":       rec.Description,
				"source_urls":       rec.SourceURLs,
				"records_count":     rec.RecordsCount,
				"fields":            rec.Fields,
				"parsing_timestamp": rec.ParsingTimestamp,
			},
			"endpoint_id": rec.EndpointID,
			"created_at":  rec.CreatedAt,
		})
	}

	return c.JSON(rec.JSONData)
}

func listEndpointsHandler(c *fiber.Ctx) error {
	reg := c.Locals("registry").(*registry.Registry)

	infos, err := reg.List(c.Context())
	if err != nil {
		return internalError(c)
	}
	if infos == nil {
		infos = []model.EndpointInfo{}
	}
	return c.JSON(fiber.Map{"endpoints": infos})
}

func deleteEndpointHandler(c *fiber.Ctx) error {
	reg := c.Locals("registry").(*registry.Registry)
	endpointID := c.Params("endpoint_id")

	removed, err := reg.Delete(c.Context(), endpointID)
	if err != nil {
		return internalError(c)
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":       "Endpoint not found",
			"endpoint_id": endpointID,
		})
	}
	return c.JSON(fiber.Map{
		"message":     "Endpoint deleted successfully",
		"endpoint_id": endpointID,
	})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
