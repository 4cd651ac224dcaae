// Package validator rejects malformed analyze requests before the pipeline
// is ever invoked.
package validator

import (
	"fmt"
	"strings"

	"github.com/choruslabs/chorus-gateway/internal/models"
)

// FieldError is one validation failure tied to a request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors aggregates every failure found in one request.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (v *ValidationErrors) add(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// ValidateRequest checks an analyze request against the configured model
// index and resolves the roster. The index maps model name to provider.
func ValidateRequest(req *models.AnalyzeRequest, index map[string]string) ([]models.ModelIdentity, error) {
	errs := &ValidationErrors{}

	if strings.TrimSpace(req.Query) == "" {
		errs.add("query", "must not be empty")
	}
	if len(req.SelectedModels) == 0 {
		errs.add("selected_models", "must select at least one model")
	}

	roster := make([]models.ModelIdentity, 0, len(req.SelectedModels))
	seen := make(map[string]bool)
	for _, name := range req.SelectedModels {
		if seen[name] {
			errs.add("selected_models", fmt.Sprintf("duplicate model %q", name))
			continue
		}
		seen[name] = true

		provider, ok := index[name]
		if !ok {
			errs.add("selected_models", fmt.Sprintf("unknown model %q", name))
			continue
		}
		roster = append(roster, models.ModelIdentity{Provider: provider, Name: name})
	}

	if len(errs.Errors) > 0 {
		return nil, errs
	}
	return roster, nil
}
