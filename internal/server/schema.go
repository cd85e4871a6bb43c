package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 1 << 20

// ValidationErrorItem is one schema violation of a request body.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// idList accepts any scalar; malformed identifiers fail per item.
const idList = `{"type": "array", "items": {"type": ["integer", "number", "string", "boolean", "null"]}}`

const memberEdit = `{"type": "object", "additionalProperties": false, "properties": {"add": ` + idList + `, "delete": ` + idList + `}}`

const dateMap = `{"type": "object", "additionalProperties": {"type": "string"}}`

var (
	issuesSchema = mustSchema(`{
		"type": "object",
		"required": ["issues"],
		"properties": {"issues": ` + idList + `}
	}`)
	idsSchema = mustSchema(`{
		"type": "object",
		"required": ["ids"],
		"properties": {"ids": ` + idList + `}
	}`)
	updateSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"pull": ` + idList + `,
			"unpull": ` + idList + `,
			"read": ` + idList + `,
			"unread": ` + idList + `,
			"ignore": ` + idList + `,
			"unignore": ` + idList + `
		}
	}`)
	weighSchema = mustSchema(`{
		"type": "object",
		"required": ["weights"],
		"properties": {
			"weights": {"type": "object", "additionalProperties": {"type": "number"}}
		}
	}`)
	selectionSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"volumes": ` + idList + `,
			"arcs": ` + idList + `,
			"start_date": {"type": "string"}
		}
	}`)
	scheduleSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {"volumes": ` + dateMap + `, "arcs": ` + dateMap + `}
	}`)
	streamsSchema = mustSchema(`{
		"type": "object",
		"required": ["streams"],
		"properties": {"streams": {"type": "array", "items": {"type": "string"}}}
	}`)
	streamUpdateSchema = mustSchema(`{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["name"],
			"additionalProperties": false,
			"properties": {
				"name": {"type": "string"},
				"publishers": ` + memberEdit + `,
				"volumes": ` + memberEdit + `,
				"issues": ` + memberEdit + `
			}
		}
	}`)
	legacyAddSchema = mustSchema(`{
		"type": "object",
		"required": ["volumes"],
		"properties": {"volumes": ` + idList + `, "start_date": {"type": "string"}}
	}`)
	legacyUpdateSchema = mustSchema(`{
		"type": "object",
		"required": ["volumes"],
		"properties": {"volumes": ` + dateMap + `}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return s
}

// validate checks doc against schema and lists every violation.
func validate(schema *gojsonschema.Schema, doc []byte) ([]ValidationErrorItem, error) {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate request body: %w", err)
	}
	if res.Valid() {
		return nil, nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return items, nil
}

// decodeValid reads the body, validates it against schema and decodes it
// into v. It writes the 400 itself and reports false on any problem.
func decodeValid(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, v any) bool {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error(), "INVALID_JSON")
		return false
	}
	if strings.TrimSpace(string(raw)) == "" {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "INVALID_JSON")
		return false
	}
	items, err := validate(schema, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_JSON")
		return false
	}
	if len(items) > 0 {
		writeJSON(w, http.StatusBadRequest, response{
			Status:  http.StatusBadRequest,
			Message: "request body failed validation",
			Code:    "VALIDATION_FAILED",
			Errors:  items,
		})
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "decode request body: "+err.Error(), "INVALID_JSON")
		return false
	}
	return true
}
