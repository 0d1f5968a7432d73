package tools

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/apibridge/apibridge/auth"
	"github.com/apibridge/apibridge/config"
)

// ============================================================================
// OPENAPI COMPILER
// ============================================================================

// httpMethods lists the operations compiled into tools, in the order they
// appear under an OpenAPI path item.
var httpMethods = []string{"get", "post", "put", "patch", "delete"}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// LoadTable compiles the descriptor table from the configured OpenAPI
// source: a local file or a fetched URL.
func LoadTable(cfg *config.ToolsConfig, client *http.Client) (*Table, error) {
	var data []byte
	var err error

	switch {
	case cfg.OpenAPIFile != "":
		data, err = os.ReadFile(cfg.OpenAPIFile)
		if err != nil {
			return nil, newToolError("", "compile", "reading openapi document", err)
		}
	case cfg.OpenAPIURL != "":
		resp, ferr := client.Get(cfg.OpenAPIURL)
		if ferr != nil {
			return nil, newToolError("", "compile", "fetching openapi document", ferr)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, newToolError("", "compile",
				fmt.Sprintf("openapi endpoint returned %d", resp.StatusCode), nil)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, newToolError("", "compile", "reading openapi response", err)
		}
	default:
		return nil, newToolError("", "compile", "no openapi source configured", nil)
	}

	table, err := Compile(data, cfg)
	if err != nil {
		return nil, err
	}

	// Built-in tools ride alongside the compiled API operations.
	all := make([]Descriptor, 0, table.Len()+1)
	for _, d := range table.Descriptors() {
		all = append(all, *d)
	}
	all = append(all, BuiltinDescriptors()...)
	return NewTable(all), nil
}

// Compile parses an OpenAPI 3.x document (JSON or YAML) and produces the
// descriptor table, honoring the configured path allow/deny lists and the
// x-auth-* extensions.
func Compile(data []byte, cfg *config.ToolsConfig) (*Table, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, newToolError("", "compile", "parsing openapi document", err)
	}

	paths, ok := asMap(doc["paths"])
	if !ok {
		return nil, newToolError("", "compile", "openapi document has no paths", nil)
	}

	var descriptors []Descriptor
	for path, rawItem := range paths {
		if !pathAllowed(path, cfg.AllowedPaths, cfg.ExcludedPaths) {
			continue
		}
		item, ok := asMap(rawItem)
		if !ok {
			continue
		}

		sharedParams := parseParameters(item["parameters"])

		for _, method := range httpMethods {
			rawOp, exists := item[method]
			if !exists {
				continue
			}
			op, ok := asMap(rawOp)
			if !ok {
				continue
			}

			d := Descriptor{
				Name:         operationName(op, method, path),
				Description:  operationDescription(op),
				Method:       strings.ToUpper(method),
				PathTemplate: path,
				AuthHint:     parseAuthHint(op),
			}

			d.Parameters = append(d.Parameters, sharedParams...)
			d.Parameters = append(d.Parameters, parseParameters(op["parameters"])...)
			d.Parameters = append(d.Parameters, parseRequestBody(op["requestBody"])...)

			descriptors = append(descriptors, d)
		}
	}

	return NewTable(descriptors), nil
}

// pathAllowed applies the deny list first, then the allow list. Entries
// match by prefix; a trailing '*' is an explicit wildcard.
func pathAllowed(path string, allowed, excluded []string) bool {
	for _, pattern := range excluded {
		if matchPathPattern(path, pattern) {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if matchPathPattern(path, pattern) {
			return true
		}
	}
	return false
}

func matchPathPattern(path, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern || strings.HasPrefix(path, pattern)
}

// operationName derives the tool name: the cleaned operationId when present,
// otherwise method plus path slug.
func operationName(op map[string]interface{}, method, path string) string {
	if id, ok := op["operationId"].(string); ok && id != "" {
		return cleanName(id)
	}
	slug := nonAlnum.ReplaceAllString(strings.Trim(path, "/"), "_")
	return cleanName(method + "_" + slug)
}

// cleanName maps arbitrary identifiers into [a-z0-9_] tool names. A leading
// digit gets an api_ prefix so the name stays a valid identifier everywhere.
func cleanName(name string) string {
	cleaned := nonAlnum.ReplaceAllString(name, "_")
	cleaned = strings.Trim(cleaned, "_")
	cleaned = strings.ToLower(cleaned)
	if cleaned == "" {
		return "api_operation"
	}
	if unicode.IsDigit(rune(cleaned[0])) {
		cleaned = "api_" + cleaned
	}
	return cleaned
}

func operationDescription(op map[string]interface{}) string {
	if s, ok := op["summary"].(string); ok && s != "" {
		return s
	}
	if s, ok := op["description"].(string); ok {
		return s
	}
	return ""
}

// parseParameters reads an OpenAPI parameters list (path and query).
func parseParameters(raw interface{}) []Parameter {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	var params []Parameter
	for _, rawParam := range list {
		p, ok := asMap(rawParam)
		if !ok {
			continue
		}
		name, _ := p["name"].(string)
		if name == "" {
			continue
		}

		in := InQuery
		if loc, _ := p["in"].(string); loc == "path" {
			in = InPath
		}

		param := Parameter{
			Name: name,
			In:   in,
			Type: "string",
		}
		if required, ok := p["required"].(bool); ok {
			param.Required = required
		}
		if in == InPath {
			param.Required = true
		}
		if desc, ok := p["description"].(string); ok {
			param.Description = desc
		}
		if schema, ok := asMap(p["schema"]); ok {
			if t, ok := schema["type"].(string); ok && t != "" {
				param.Type = t
			}
		}
		params = append(params, param)
	}
	return params
}

// parseRequestBody flattens an application/json request body schema into
// body parameters.
func parseRequestBody(raw interface{}) []Parameter {
	body, ok := asMap(raw)
	if !ok {
		return nil
	}
	content, ok := asMap(body["content"])
	if !ok {
		return nil
	}
	media, ok := asMap(content["application/json"])
	if !ok {
		return nil
	}
	schema, ok := asMap(media["schema"])
	if !ok {
		return nil
	}

	requiredSet := make(map[string]bool)
	if list, ok := schema["required"].([]interface{}); ok {
		for _, r := range list {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}
	bodyRequired := false
	if r, ok := body["required"].(bool); ok {
		bodyRequired = r
	}

	properties, ok := asMap(schema["properties"])
	if !ok {
		return nil
	}

	var params []Parameter
	for name, rawProp := range properties {
		param := Parameter{
			Name:     name,
			In:       InBody,
			Type:     "string",
			Required: bodyRequired && requiredSet[name],
		}
		if prop, ok := asMap(rawProp); ok {
			if t, ok := prop["type"].(string); ok && t != "" {
				param.Type = t
			}
			if desc, ok := prop["description"].(string); ok {
				param.Description = desc
			}
		}
		params = append(params, param)
	}
	return params
}

// parseAuthHint reads the x-auth-* operation extensions.
func parseAuthHint(op map[string]interface{}) *auth.Hint {
	hint := &auth.Hint{}
	found := false

	if v, ok := op["x-auth-type"].(string); ok && v != "" {
		hint.AuthType = auth.Type(v)
		found = true
	}
	if v, ok := op["x-bearer-token-header"].(string); ok && v != "" {
		hint.BearerHeader = v
		found = true
	}
	if v, ok := op["x-api-key-header"].(string); ok && v != "" {
		hint.APIKeyHeader = v
		found = true
	}
	if v, ok := op["x-oauth2-token-url"].(string); ok && v != "" {
		hint.TokenURL = v
		found = true
	}
	if v, ok := op["x-oauth2-scope"].(string); ok && v != "" {
		hint.Scope = v
		found = true
	}
	if raw, ok := asMap(op["x-custom-auth-headers"]); ok {
		headers := make(map[string]string, len(raw))
		for name, value := range raw {
			if s, ok := value.(string); ok {
				headers[name] = s
			}
		}
		if len(headers) > 0 {
			hint.CustomHeaders = headers
			found = true
		}
	}

	if !found {
		return nil
	}
	return hint
}

// asMap normalizes yaml.v3's map decodings.
func asMap(raw interface{}) (map[string]interface{}, bool) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if s, ok := key.(string); ok {
				out[s] = value
			}
		}
		return out, true
	}
	return nil, false
}
