// Package middleware provides OpenAPI request validation for the control
// surface.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationConfig configures schema validation of control API requests.
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// Validation validates inbound requests against the control API's OpenAPI
// document. Routes absent from the document (the webhook endpoint carries
// provider-defined payloads) pass through untouched.
type Validation struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

func NewValidation(config *ValidationConfig, logger *logrus.Logger) (*Validation, error) {
	if config == nil {
		config = &ValidationConfig{SpecPath: "docs/openapi.yaml"}
	}
	v := &Validation{logger: logger, enabled: config.Enabled}
	if !config.Enabled {
		return v, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(config.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build OpenAPI router: %w", err)
	}
	v.router = router
	logger.WithField("spec_path", config.SpecPath).Info("Request validation enabled")
	return v, nil
}

// Middleware returns the HTTP middleware.
func (v *Validation) Middleware(next http.Handler) http.Handler {
	if !v.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.validate(r); err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")
			writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Validation) validate(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("route lookup: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
		},
	})
}
