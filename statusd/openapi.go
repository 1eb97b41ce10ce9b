// SPDX-License-Identifier: LGPL-3.0-or-later

package statusd

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPIConfig controls the generated spec's descriptive metadata.
type OpenAPIConfig struct {
	Title       string
	Description string
	Version     string
	ServerURL   string
}

// DefaultOpenAPIConfig returns sane defaults for the status server's spec.
func DefaultOpenAPIConfig(version string) *OpenAPIConfig {
	return &OpenAPIConfig{
		Title:       "vmsupervisor status API",
		Description: "Read-only health, state and metrics endpoints for the VM supervisor",
		Version:     version,
		ServerURL:   "http://localhost:8081",
	}
}

func buildOpenAPISpec(cfg *OpenAPIConfig) *openapi3.T {
	spec := &openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:       cfg.Title,
			Description: cfg.Description,
			Version:     cfg.Version,
		},
		Servers: openapi3.Servers{
			{URL: cfg.ServerURL, Description: "status server"},
		},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}

	spec.Components.Schemas["Health"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"state": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"string"},
						Description: "Lifecycle controller state",
						Enum: []interface{}{
							"idle", "connected", "prepared", "running", "stopped", "cleaned",
						},
						Example: "running",
					},
				},
				"vm_name": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Example: "demo-vm"},
				},
			},
			Required: []string{"state"},
		},
	}

	spec.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"System"},
			Summary:     "Lifecycle health check",
			OperationID: "healthz",
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, &openapi3.ResponseRef{
					Value: &openapi3.Response{
						Description: strPtr("current lifecycle state"),
						Content: openapi3.Content{
							"application/json": &openapi3.MediaType{
								Schema: &openapi3.SchemaRef{Ref: "#/components/schemas/Health"},
							},
						},
					},
				}),
			),
		},
	})

	spec.Paths.Set("/metrics", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"System"},
			Summary:     "Prometheus metrics",
			OperationID: "metrics",
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, &openapi3.ResponseRef{
					Value: &openapi3.Response{Description: strPtr("text/plain Prometheus exposition")},
				}),
			),
		},
	})

	spec.Tags = openapi3.Tags{{Name: "System", Description: "Status endpoints"}}

	return spec
}

func openAPIHandler(cfg *OpenAPIConfig) http.HandlerFunc {
	spec := buildOpenAPISpec(cfg)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(spec)
	}
}

func strPtr(s string) *string { return &s }
