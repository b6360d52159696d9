// Package openapi synthesises an MCP tool surface from an OpenAPI 3
// document. Each operation becomes one tool; calling the tool executes
// the corresponding HTTP request.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/reqcontext"
)

// operation is the executable form of one OpenAPI operation.
type operation struct {
	Name        string
	Description string
	Method      string
	Path        string

	pathParams   []*openapi3.Parameter
	queryParams  []*openapi3.Parameter
	headerParams []*openapi3.Parameter

	hasBody      bool
	bodyRequired bool
}

// Client exposes an OpenAPI-backed upstream as a set of MCP tools.
type Client struct {
	name       string
	cfg        *config.OpenAPIConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	tools []mcp.Tool
	ops   map[string]*operation
}

// NewClient loads, validates, and indexes the OpenAPI document. The
// document comes from cfg.Schema when inlined, otherwise it is fetched
// from cfg.URL.
func NewClient(ctx context.Context, name string, cfg *config.OpenAPIConfig, logger *zap.Logger) (*Client, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var doc *openapi3.T
	var err error
	switch {
	case len(cfg.Schema) > 0:
		doc, err = loader.LoadFromData(cfg.Schema)
	case cfg.URL != "":
		var u *url.URL
		u, err = url.Parse(cfg.URL)
		if err == nil {
			doc, err = loader.LoadFromURI(u)
		}
	default:
		return nil, fmt.Errorf("openapi server %s: neither url nor schema configured", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec for %s: %w", name, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("OpenAPI spec validation failed for %s: %w", name, err)
	}

	c := &Client{
		name:       name,
		cfg:        cfg,
		baseURL:    resolveBaseURL(doc, cfg.URL),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		ops:        make(map[string]*operation),
	}
	c.buildTools(doc)

	logger.Info("Synthesised OpenAPI upstream",
		zap.String("server", name),
		zap.String("base_url", c.baseURL),
		zap.Int("tool_count", len(c.tools)))
	return c, nil
}

// resolveBaseURL picks the first server entry, resolving a relative
// server URL against the document location.
func resolveBaseURL(doc *openapi3.T, docURL string) string {
	if len(doc.Servers) == 0 || doc.Servers[0].URL == "" {
		return strings.TrimSuffix(docURL, "/")
	}
	serverURL := doc.Servers[0].URL
	if docURL != "" {
		if base, err := url.Parse(docURL); err == nil {
			if ref, err := url.Parse(serverURL); err == nil {
				return strings.TrimSuffix(base.ResolveReference(ref).String(), "/")
			}
		}
	}
	return strings.TrimSuffix(serverURL, "/")
}

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// buildTools converts every operation in the document into a tool.
// Tools are sorted by name so listings are deterministic.
func (c *Client) buildTools(doc *openapi3.T) {
	if doc.Paths == nil {
		return
	}
	for path, pathItem := range doc.Paths.Map() {
		if pathItem == nil {
			continue
		}
		for method, apiOp := range pathItem.Operations() {
			if apiOp == nil {
				continue
			}
			op := &operation{
				Name:        operationToolName(apiOp, method, path),
				Description: operationDescription(apiOp, method, path),
				Method:      method,
				Path:        path,
			}

			// Path-level parameters apply to every operation under it.
			params := append(openapi3.Parameters{}, pathItem.Parameters...)
			params = append(params, apiOp.Parameters...)

			properties := map[string]interface{}{}
			var required []string
			for _, ref := range params {
				if ref == nil || ref.Value == nil {
					continue
				}
				p := ref.Value
				switch p.In {
				case openapi3.ParameterInPath:
					c.addPathParam(op, p)
				case openapi3.ParameterInQuery:
					op.queryParams = append(op.queryParams, p)
				case openapi3.ParameterInHeader:
					op.headerParams = append(op.headerParams, p)
				default:
					continue
				}
				properties[p.Name] = parameterSchema(p)
				if p.Required || p.In == openapi3.ParameterInPath {
					required = append(required, p.Name)
				}
			}

			if body := apiOp.RequestBody; body != nil && body.Value != nil {
				if media, ok := body.Value.Content["application/json"]; ok && media != nil {
					op.hasBody = true
					op.bodyRequired = body.Value.Required
					properties["body"] = schemaToMap(media.Schema, map[string]interface{}{"type": "object"})
					if op.bodyRequired {
						required = append(required, "body")
					}
				}
			}

			tool := mcp.Tool{
				Name:        op.Name,
				Description: op.Description,
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			}
			c.tools = append(c.tools, tool)
			c.ops[op.Name] = op
		}
	}
	sort.Slice(c.tools, func(i, j int) bool { return c.tools[i].Name < c.tools[j].Name })
}

func (c *Client) addPathParam(op *operation, p *openapi3.Parameter) {
	op.pathParams = append(op.pathParams, p)
}

// operationToolName prefers the operationId, falling back to a
// sanitised method_path form.
func operationToolName(op *openapi3.Operation, method, path string) string {
	if op.OperationID != "" {
		return toolNameSanitizer.ReplaceAllString(op.OperationID, "_")
	}
	raw := strings.ToLower(method) + "_" + strings.Trim(path, "/")
	return strings.Trim(toolNameSanitizer.ReplaceAllString(raw, "_"), "_")
}

func operationDescription(op *openapi3.Operation, method, path string) string {
	if op.Description != "" {
		return op.Description
	}
	if op.Summary != "" {
		return op.Summary
	}
	return fmt.Sprintf("%s %s", method, path)
}

// parameterSchema flattens one parameter into a JSON-schema fragment.
func parameterSchema(p *openapi3.Parameter) map[string]interface{} {
	fallback := map[string]interface{}{"type": "string"}
	schema := schemaToMap(p.Schema, fallback)
	if p.Description != "" {
		if _, ok := schema["description"]; !ok {
			schema["description"] = p.Description
		}
	}
	return schema
}

// schemaToMap round-trips an openapi3 schema through JSON into a plain
// map. OpenAPI 3.0 schemas are close enough to JSON Schema for tool
// input purposes.
func schemaToMap(ref *openapi3.SchemaRef, fallback map[string]interface{}) map[string]interface{} {
	if ref == nil || ref.Value == nil {
		return fallback
	}
	data, err := ref.Value.MarshalJSON()
	if err != nil {
		return fallback
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fallback
	}
	return out
}

// Tools returns the synthesised tool list.
func (c *Client) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool executes the HTTP request behind the named tool. Whitelisted
// downstream headers from the request context are forwarded.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	op, ok := c.ops[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s not found on openapi server %s", toolName, c.name)
	}

	req, err := c.buildRequest(ctx, op, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mcp.NewToolResultError(fmt.Sprintf("HTTP %d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body)))), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (c *Client) buildRequest(ctx context.Context, op *operation, args map[string]interface{}) (*http.Request, error) {
	path := op.Path
	for _, p := range op.pathParams {
		v, ok := args[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing required path parameter %q", p.Name)
		}
		path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(stringifyArg(v)))
	}

	target := c.baseURL + path

	query := url.Values{}
	for _, p := range op.queryParams {
		if v, ok := args[p.Name]; ok {
			query.Set(p.Name, stringifyArg(v))
		}
	}
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var bodyReader io.Reader
	if op.hasBody {
		if v, ok := args["body"]; ok {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			bodyReader = bytes.NewReader(data)
		} else if op.bodyRequired {
			return nil, fmt.Errorf("missing required request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for _, p := range op.headerParams {
		if v, ok := args[p.Name]; ok {
			req.Header.Set(p.Name, stringifyArg(v))
		}
	}

	c.applySecurity(req)
	c.applyPassthroughHeaders(ctx, req)
	return req, nil
}

// applySecurity attaches the configured credentials to the outgoing
// request. Security config comes from settings and is already
// env-expanded.
func (c *Client) applySecurity(req *http.Request) {
	sec := c.cfg.Security
	if sec == nil {
		return
	}
	switch sec.Type {
	case "apiKey":
		if sec.In == "query" {
			q := req.URL.Query()
			q.Set(sec.Name, sec.Value)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(sec.Name, sec.Value)
		}
	case "http":
		switch sec.Scheme {
		case "basic":
			req.SetBasicAuth(sec.Username, sec.Password)
		default:
			req.Header.Set("Authorization", "Bearer "+sec.Token)
		}
	}
}

// applyPassthroughHeaders copies whitelisted headers from the downstream
// request, matching names case-insensitively. Passthrough values win
// over parameter-derived headers but never over security credentials.
func (c *Client) applyPassthroughHeaders(ctx context.Context, req *http.Request) {
	if len(c.cfg.PassthroughHeaders) == 0 {
		return
	}
	rc := reqcontext.FromContext(ctx)
	if rc == nil {
		return
	}
	secHeader := ""
	if sec := c.cfg.Security; sec != nil && sec.Type == "apiKey" && sec.In != "query" {
		secHeader = http.CanonicalHeaderKey(sec.Name)
	}
	for _, name := range c.cfg.PassthroughHeaders {
		if http.CanonicalHeaderKey(name) == secHeader {
			continue
		}
		if v, ok := rc.HeaderValue(name); ok {
			req.Header.Set(name, v)
		}
	}
}

func stringifyArg(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return strings.Trim(string(data), `"`)
	}
}
