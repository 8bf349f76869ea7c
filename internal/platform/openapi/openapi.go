// Package openapi builds an OpenAPI 3.0 document for the HTTP API. Request
// and response schemas are derived from the Go types by reflection over their
// json tags.
package openapi

import (
	"encoding"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Param documents a query or path parameter.
type Param struct {
	Name        string
	In          string // "query" or "path"
	Type        string // "string", "integer", "number" or "boolean"
	Format      string
	Description string
	Required    bool
}

// Operation documents one route. Request and Response are zero values of the
// body types; nil means no body.
type Operation struct {
	Method   string
	Path     string // echo form, e.g. /api/v1/runs/:id
	Summary  string
	Tag      string
	Roles    []string
	Params   []Param
	Request  interface{}
	Response interface{}
	Status   int
}

type Generator struct {
	title   string
	version string
	ops     []Operation
}

func NewGenerator(title, version string) *Generator {
	return &Generator{title: title, version: version}
}

// Add registers operations; later calls append.
func (g *Generator) Add(ops ...Operation) {
	g.ops = append(g.ops, ops...)
}

// Spec returns the OpenAPI document.
func (g *Generator) Spec() map[string]interface{} {
	schemas := make(schemaSet)
	paths := make(map[string]interface{})

	for _, op := range g.ops {
		path, pathParams := convertPath(op.Path)
		item, ok := paths[path].(map[string]interface{})
		if !ok {
			item = make(map[string]interface{})
			paths[path] = item
		}
		item[strings.ToLower(op.Method)] = operation(schemas, op, pathParams)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": map[string]interface{}(schemas),
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

func operation(schemas schemaSet, op Operation, pathParams []string) map[string]interface{} {
	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": operationID(op),
	}
	if op.Tag != "" {
		out["tags"] = []string{op.Tag}
	}
	if len(op.Roles) > 0 {
		out["description"] = "Requires role: " + strings.Join(op.Roles, " or ")
	}

	var params []map[string]interface{}
	for _, name := range pathParams {
		params = append(params, paramSchema(Param{Name: name, In: "path", Type: "string", Required: true}))
	}
	for _, p := range op.Params {
		params = append(params, paramSchema(p))
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if op.Request != nil {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": schemas.schemaFor(reflect.TypeOf(op.Request))},
			},
		}
	}

	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	success := map[string]interface{}{"description": http.StatusText(status)}
	if op.Response != nil {
		success["content"] = map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schemas.schemaFor(reflect.TypeOf(op.Response))},
		}
	}
	out["responses"] = map[string]interface{}{
		strconv.Itoa(status): success,
		"default":            map[string]interface{}{"description": "Error"},
	}
	return out
}

func paramSchema(p Param) map[string]interface{} {
	schema := map[string]interface{}{"type": p.Type}
	if p.Format != "" {
		schema["format"] = p.Format
	}
	out := map[string]interface{}{
		"name":     p.Name,
		"in":       p.In,
		"required": p.Required,
		"schema":   schema,
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	return out
}

// convertPath turns /runs/:id into /runs/{id} and returns the parameter names.
func convertPath(path string) (string, []string) {
	var names []string
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if name, ok := strings.CutPrefix(p, ":"); ok {
			names = append(names, name)
			parts[i] = "{" + name + "}"
		}
	}
	return strings.Join(parts, "/"), names
}

func operationID(op Operation) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(op.Method))
	for _, p := range strings.Split(op.Path, "/") {
		p = strings.TrimPrefix(p, ":")
		if p == "" || p == "api" || p == "v1" {
			continue
		}
		for _, w := range strings.FieldsFunc(p, func(r rune) bool { return r == '_' || r == '-' }) {
			b.WriteString(strings.ToUpper(w[:1]) + w[1:])
		}
	}
	return b.String()
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	uuidType          = reflect.TypeOf(uuid.UUID{})
	rawMessageType    = reflect.TypeOf(json.RawMessage{})
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// schemaSet collects the component schemas of one document.
type schemaSet map[string]interface{}

// schemaFor returns an inline schema, or a $ref for named structs which are
// added to the components.
func (s schemaSet) schemaFor(t reflect.Type) map[string]interface{} {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch {
	case t == timeType:
		return map[string]interface{}{"type": "string", "format": "date-time"}
	case t == uuidType:
		return map[string]interface{}{"type": "string", "format": "uuid"}
	case t == rawMessageType:
		return map[string]interface{}{"type": "object"}
	case t.Implements(textMarshalerType) || reflect.PointerTo(t).Implements(textMarshalerType):
		return map[string]interface{}{"type": "string"}
	}

	switch t.Kind() {
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}
	case reflect.String:
		return map[string]interface{}{"type": "string"}
	case reflect.Slice, reflect.Array:
		return map[string]interface{}{"type": "array", "items": s.schemaFor(t.Elem())}
	case reflect.Map:
		return map[string]interface{}{"type": "object", "additionalProperties": s.schemaFor(t.Elem())}
	case reflect.Struct:
		if t.Name() == "" {
			return s.objectSchema(t)
		}
		name := t.Name()
		if _, ok := s[name]; !ok {
			s[name] = map[string]interface{}{} // placeholder breaks cycles
			s[name] = s.objectSchema(t)
		}
		return map[string]interface{}{"$ref": "#/components/schemas/" + name}
	default:
		return map[string]interface{}{}
	}
}

func (s schemaSet) objectSchema(t reflect.Type) map[string]interface{} {
	props := make(map[string]interface{})
	s.collectFields(t, props)
	return map[string]interface{}{"type": "object", "properties": props}
}

func (s schemaSet) collectFields(t reflect.Type, props map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				s.collectFields(ft, props)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		props[name] = s.schemaFor(f.Type)
	}
}

// RegisterRoutes serves the document at /openapi.json.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.Spec())
	})
}
