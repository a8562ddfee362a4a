package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator checks request bodies against a compiled JSON schema.
type JSONSchemaValidator struct {
	schema        *jsonschema.Schema
	failureStatus int
}

// ValidatorOption configures a JSONSchemaValidator.
type ValidatorOption func(*JSONSchemaValidator)

// WithFailureStatus sets the status written for malformed or non-conforming
// bodies. The default is 400.
func WithFailureStatus(status int) ValidatorOption {
	return func(v *JSONSchemaValidator) { v.failureStatus = status }
}

func NewJSONSchemaValidator(schemaJSON string, opts ...ValidatorOption) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	v := &JSONSchemaValidator{schema: schema, failureStatus: http.StatusBadRequest}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks an already decoded document, as produced by encoding/json
// or structpb.Struct.AsMap.
func (v *JSONSchemaValidator) Validate(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Middleware buffers the body, validates it and hands the handler a fresh
// reader over the same bytes.
func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			WriteJSONError(w, r, v.failureStatus, CodeInvalidJSON)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge)
				return
			}
			WriteJSONError(w, r, v.failureStatus, CodeInvalidJSON)
			return
		}
		_ = r.Body.Close()

		var payload any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			WriteJSONError(w, r, v.failureStatus, CodeInvalidJSON)
			return
		}

		if err := v.Validate(payload); err != nil {
			WriteJSONError(w, r, v.failureStatus, CodeValidation)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
