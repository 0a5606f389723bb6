// Package client implements the multi-server MCP aggregator (§4.H): one
// Client owns a list of named mcp.Server facades, fans inbound hooks and
// notifications out to user-supplied handlers, and resolves a bare tool,
// prompt, or resource name against whichever servers currently expose it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpclient/internal/logging"
	"github.com/fyrsmithlabs/mcpclient/pkg/mcp"
	"github.com/fyrsmithlabs/mcpclient/pkg/metrics"
)

// NotificationListener receives every inbound notification from every
// server, tagged with the server's name.
type NotificationListener func(server string, method string, params json.RawMessage)

// Handlers are the aggregator-wide equivalents of mcp.Hooks: registered
// once here, they are wired into every server that supports server-
// initiated requests.
type Handlers struct {
	Elicitation func(ctx context.Context, server string, params json.RawMessage) (json.RawMessage, error)
	Sampling    func(ctx context.Context, server string, params json.RawMessage) (json.RawMessage, error)
}

// Client aggregates multiple MCP servers behind cross-server tool, prompt,
// and resource resolution.
type Client struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	servers  []*mcp.Server
	byName   map[string]*mcp.Server
	roots    []mcp.Root
	handlers Handlers

	listenersMu sync.RWMutex
	listeners   []NotificationListener

	cacheMu       sync.RWMutex
	toolCache     map[string]toolEntry     // "{server}:{name}"
	promptCache   map[string]promptEntry   // "{server}:{name}"
	resourceCache map[string]resourceEntry // "{server}:{uri}"

	refreshersMu sync.Mutex
	refreshers   []TokenRefresher
}

type toolEntry struct {
	tool   mcp.Tool
	server string
}

type promptEntry struct {
	prompt mcp.Prompt
	server string
}

type resourceEntry struct {
	resource mcp.Resource
	server   string
}

// New constructs an empty aggregator. AddServer registers servers one at a
// time so callers can wire per-server hooks before the first list_tools.
func New(logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}
	return &Client{
		logger:        logger,
		byName:        make(map[string]*mcp.Server),
		toolCache:     make(map[string]toolEntry),
		promptCache:   make(map[string]promptEntry),
		resourceCache: make(map[string]resourceEntry),
	}
}

// SetMetrics installs the Prometheus collectors CallTool/GetPrompt/
// ReadResource and AddServer report into. Nil (the default) disables
// metrics collection entirely, at zero cost beyond a nil check per call.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
	c.metrics.SetActiveSessions(len(c.servers))
}

// SetHandlers installs the elicitation/sampling fan-out handlers used by
// every server added afterward (and re-wired onto servers already added).
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
	for _, srv := range c.servers {
		c.wireServerLocked(srv)
	}
}

// AddServer registers srv under name, wires its notification listener and
// inbound hooks, and makes it a candidate for disambiguated lookups.
func (c *Client) AddServer(name string, srv *mcp.Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[name]; exists {
		return fmt.Errorf("client: server %q already registered", name)
	}
	c.servers = append(c.servers, srv)
	c.byName[name] = srv
	c.wireServerLocked(srv)
	c.metrics.SetActiveSessions(len(c.servers))
	return nil
}

// RemoveServer unregisters name, invalidates its cache entries, and closes
// its transport. Returns *mcp.ServerNotFound if name isn't registered.
func (c *Client) RemoveServer(ctx context.Context, name string) error {
	c.mu.Lock()
	srv, ok := c.byName[name]
	if !ok {
		c.mu.Unlock()
		return &mcp.ServerNotFound{Ref: name}
	}
	delete(c.byName, name)
	for i, s := range c.servers {
		if s == srv {
			c.servers = append(c.servers[:i:i], c.servers[i+1:]...)
			break
		}
	}
	c.metrics.SetActiveSessions(len(c.servers))
	c.mu.Unlock()

	c.invalidateToolCache(name)
	c.invalidatePromptCache(name)
	c.invalidateResourceCache(name)

	return srv.Close(ctx)
}

func (c *Client) wireServerLocked(srv *mcp.Server) {
	name := srv.Name
	hooks := mcp.Hooks{
		RootsList: func(ctx context.Context) ([]mcp.Root, error) {
			c.mu.RLock()
			defer c.mu.RUnlock()
			roots := make([]mcp.Root, len(c.roots))
			copy(roots, c.roots)
			return roots, nil
		},
	}
	if c.handlers.Elicitation != nil {
		h := c.handlers.Elicitation
		hooks.Elicitation = func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			return h(ctx, name, params)
		}
	}
	if c.handlers.Sampling != nil {
		h := c.handlers.Sampling
		hooks.Sampling = func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			return h(ctx, name, params)
		}
	}
	srv.SetHooks(hooks)
	srv.SetNotificationHandler(func(method string, params json.RawMessage) {
		c.HandleNotification(name, method, params)
	})
}

// Servers returns the registered server names in registration order.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.servers))
	for i, s := range c.servers {
		names[i] = s.Name
	}
	return names
}

// AddNotificationListener registers a sink invoked for every inbound
// notification across every server, including internal cache-invalidation
// and logging-fan-out handling, which run first and cannot be bypassed.
func (c *Client) AddNotificationListener(l NotificationListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// HandleNotification is the internal listener every server's transport is
// wired to invoke: it performs cache invalidation and logging fan-out, then
// forwards to every user listener.
func (c *Client) HandleNotification(server, method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		c.invalidateToolCache(server)
	case "notifications/prompts/list_changed":
		c.invalidatePromptCache(server)
	case "notifications/resources/list_changed":
		c.invalidateResourceCache(server)
	case "notifications/message":
		c.logFanOut(server, params)
	}

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		l(server, method, params)
	}
}

func (c *Client) invalidateToolCache(server string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, v := range c.toolCache {
		if v.server == server {
			delete(c.toolCache, k)
		}
	}
}

func (c *Client) invalidatePromptCache(server string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, v := range c.promptCache {
		if v.server == server {
			delete(c.promptCache, k)
		}
	}
}

func (c *Client) invalidateResourceCache(server string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, v := range c.resourceCache {
		if v.server == server {
			delete(c.resourceCache, k)
		}
	}
}

// ClearCache empties all three per-aggregator caches.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.toolCache = make(map[string]toolEntry)
	c.promptCache = make(map[string]promptEntry)
	c.resourceCache = make(map[string]resourceEntry)
}

type logNotification struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// logFanOut maps an inbound notifications/message payload's level onto the
// aggregator's own logger, per §4.H's level table and prefix rule.
func (c *Client) logFanOut(server string, params json.RawMessage) {
	var note logNotification
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}
	prefix := fmt.Sprintf("[%s]", server)
	if note.Logger != "" {
		prefix = fmt.Sprintf("[%s:%s]", server, note.Logger)
	}
	fields := []zap.Field{zap.String("mcp.server", server), zap.Any("data", note.Data)}
	switch note.Level {
	case "debug":
		c.logger.Debug(context.Background(), prefix, fields...)
	case "info", "notice":
		c.logger.Info(context.Background(), prefix, fields...)
	case "warning":
		c.logger.Warn(context.Background(), prefix, fields...)
	case "error", "critical":
		c.logger.Error(context.Background(), prefix, fields...)
	}
}

// SetRoots replaces the aggregator's root list and broadcasts
// notifications/roots/list_changed to every registered server.
func (c *Client) SetRoots(ctx context.Context, roots []mcp.Root) error {
	c.mu.Lock()
	c.roots = append([]mcp.Root(nil), roots...)
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.Unlock()

	p := pool.New().WithErrors()
	for _, srv := range servers {
		srv := srv
		p.Go(func() error { return srv.SetRoots(ctx) })
	}
	return p.Wait()
}

// SetLogLevel sets the minimum logging level on one server (when serverRef
// is non-empty) or on every registered server (when it's empty) — the two
// forms are equivalent per §9, the latter a fan-out over the former.
func (c *Client) SetLogLevel(ctx context.Context, level mcp.LogLevel, serverRef string) error {
	if serverRef != "" {
		srv, err := c.resolveServer(serverRef)
		if err != nil {
			return err
		}
		return srv.SetLogLevel(ctx, level)
	}

	c.mu.RLock()
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, srv := range servers {
		srv := srv
		p.Go(func() error { return srv.SetLogLevel(ctx, level) })
	}
	return p.Wait()
}

func (c *Client) resolveServer(ref string) (*mcp.Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	srv, ok := c.byName[ref]
	if !ok {
		return nil, &mcp.ServerNotFound{Ref: ref}
	}
	return srv, nil
}

// ListTools returns the merged tool list across every server. useCache=true
// serves from (and populates) the cache; false forces a refresh from every
// server.
func (c *Client) ListTools(ctx context.Context, useCache bool) ([]mcp.Tool, error) {
	if useCache {
		if tools, ok := c.cachedTools(); ok {
			return tools, nil
		}
	}
	return c.refreshTools(ctx)
}

func (c *Client) cachedTools() ([]mcp.Tool, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if len(c.toolCache) == 0 {
		return nil, false
	}
	tools := make([]mcp.Tool, 0, len(c.toolCache))
	for _, e := range c.toolCache {
		tools = append(tools, e.tool)
	}
	sortTools(tools)
	return tools, true
}

func (c *Client) refreshTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.RUnlock()

	type perServer struct {
		name  string
		tools []mcp.Tool
	}
	p := pool.NewWithResults[perServer]()
	for _, srv := range servers {
		srv := srv
		p.Go(func() perServer {
			tools, err := srv.ListTools(ctx)
			if err != nil {
				c.logger.Warn(ctx, "list_tools failed", zap.String("mcp.server", srv.Name), zap.Error(err))
				return perServer{name: srv.Name}
			}
			return perServer{name: srv.Name, tools: tools}
		})
	}
	results := p.Wait()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	var merged []mcp.Tool
	for _, r := range results {
		for _, tool := range r.tools {
			key := fmt.Sprintf("%s:%s", r.name, tool.Name)
			c.toolCache[key] = toolEntry{tool: tool, server: r.name}
			merged = append(merged, tool)
		}
	}
	sortTools(merged)
	return merged, nil
}

func sortTools(tools []mcp.Tool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
}

// resolveToolServer implements §4.H's 4-step disambiguation rule.
func (c *Client) resolveToolServer(ctx context.Context, name, serverRef string) (*mcp.Server, error) {
	if serverRef != "" {
		return c.resolveServer(serverRef)
	}
	if _, ok := c.cachedTools(); !ok {
		if _, err := c.refreshTools(ctx); err != nil {
			return nil, err
		}
	}
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	var matches []string
	for _, e := range c.toolCache {
		if e.tool.Name == name {
			matches = append(matches, e.server)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &mcp.ToolNotFound{Name: name}
	case 1:
		return c.byName[matches[0]], nil
	default:
		sort.Strings(matches)
		return nil, &mcp.AmbiguousToolName{Name: name, Servers: matches}
	}
}

// CallTool resolves name to exactly one server per the disambiguation rule,
// validates args against the tool's required schema fields, then invokes
// tools/call.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, serverRef string) (*mcp.ToolCallResult, error) {
	srv, err := c.resolveToolServer(ctx, name, serverRef)
	if err != nil {
		return nil, err
	}
	if err := c.validateToolArgs(srv.Name, name, args); err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := srv.CallTool(ctx, name, args, nil)
	c.metrics.RecordRPC(srv.Name, "tools/call", time.Since(start), metrics.ClassifyOutcome(err, nil))
	return result, err
}

// validateToolArgs checks every required schema property is present in
// args unless it carries a default, per §4.H — entirely local, no RPC.
func (c *Client) validateToolArgs(server, name string, args map[string]any) error {
	c.cacheMu.RLock()
	entry, ok := c.toolCache[fmt.Sprintf("%s:%s", server, name)]
	c.cacheMu.RUnlock()
	if !ok || len(entry.tool.InputSchema) == 0 {
		return nil
	}
	var schema struct {
		Required   []string                  `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(entry.tool.InputSchema, &schema); err != nil {
		return nil
	}
	for _, field := range schema.Required {
		if _, present := args[field]; present {
			continue
		}
		if hasDefault(schema.Properties[field]) {
			continue
		}
		return &mcp.ValidationError{Op: "call_tool", Err: fmt.Errorf("missing required argument %q for tool %q", field, name)}
	}
	return nil
}

func hasDefault(propertySchema json.RawMessage) bool {
	if len(propertySchema) == 0 {
		return false
	}
	var prop struct {
		Default json.RawMessage `json:"default"`
	}
	if err := json.Unmarshal(propertySchema, &prop); err != nil {
		return false
	}
	return len(prop.Default) > 0
}

// ListPrompts returns the merged prompt list, same cache semantics as
// ListTools.
func (c *Client) ListPrompts(ctx context.Context, useCache bool) ([]mcp.Prompt, error) {
	if useCache {
		c.cacheMu.RLock()
		if len(c.promptCache) > 0 {
			prompts := make([]mcp.Prompt, 0, len(c.promptCache))
			for _, e := range c.promptCache {
				prompts = append(prompts, e.prompt)
			}
			c.cacheMu.RUnlock()
			sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
			return prompts, nil
		}
		c.cacheMu.RUnlock()
	}

	c.mu.RLock()
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.RUnlock()

	type perServer struct {
		name    string
		prompts []mcp.Prompt
	}
	p := pool.NewWithResults[perServer]()
	for _, srv := range servers {
		srv := srv
		p.Go(func() perServer {
			prompts, err := srv.ListPrompts(ctx)
			if err != nil {
				c.logger.Warn(ctx, "list_prompts failed", zap.String("mcp.server", srv.Name), zap.Error(err))
				return perServer{name: srv.Name}
			}
			return perServer{name: srv.Name, prompts: prompts}
		})
	}
	results := p.Wait()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	var merged []mcp.Prompt
	for _, r := range results {
		for _, prompt := range r.prompts {
			key := fmt.Sprintf("%s:%s", r.name, prompt.Name)
			c.promptCache[key] = promptEntry{prompt: prompt, server: r.name}
			merged = append(merged, prompt)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged, nil
}

// GetPrompt resolves name via §4.H's disambiguation rule, then fetches it.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string, serverRef string) (*mcp.GetPromptResult, error) {
	var srv *mcp.Server
	if serverRef != "" {
		s, err := c.resolveServer(serverRef)
		if err != nil {
			return nil, err
		}
		srv = s
	} else {
		if _, err := c.ListPrompts(ctx, true); err != nil {
			return nil, err
		}
		c.cacheMu.RLock()
		var matches []string
		for _, e := range c.promptCache {
			if e.prompt.Name == name {
				matches = append(matches, e.server)
			}
		}
		c.cacheMu.RUnlock()
		switch len(matches) {
		case 0:
			return nil, &mcp.PromptNotFound{Name: name}
		case 1:
			s, err := c.resolveServer(matches[0])
			if err != nil {
				return nil, err
			}
			srv = s
		default:
			sort.Strings(matches)
			return nil, &mcp.AmbiguousPromptName{Name: name, Servers: matches}
		}
	}
	start := time.Now()
	result, err := srv.GetPrompt(ctx, name, args)
	c.metrics.RecordRPC(srv.Name, "prompts/get", time.Since(start), metrics.ClassifyOutcome(err, nil))
	return result, err
}

// ReadResource resolves uri via §4.H's disambiguation rule, then reads it.
func (c *Client) ReadResource(ctx context.Context, uri string, serverRef string) ([]mcp.ResourceContent, error) {
	var srv *mcp.Server
	if serverRef != "" {
		s, err := c.resolveServer(serverRef)
		if err != nil {
			return nil, err
		}
		srv = s
	} else {
		c.cacheMu.RLock()
		empty := len(c.resourceCache) == 0
		c.cacheMu.RUnlock()
		if empty {
			if _, err := c.ListResources(ctx, ""); err != nil {
				return nil, err
			}
		}
		c.cacheMu.RLock()
		var matches []string
		for _, e := range c.resourceCache {
			if e.resource.URI == uri {
				matches = append(matches, e.server)
			}
		}
		c.cacheMu.RUnlock()
		switch len(matches) {
		case 0:
			return nil, &mcp.ResourceNotFound{URI: uri}
		case 1:
			s, err := c.resolveServer(matches[0])
			if err != nil {
				return nil, err
			}
			srv = s
		default:
			sort.Strings(matches)
			return nil, &mcp.AmbiguousResourceURI{URI: uri, Servers: matches}
		}
	}
	start := time.Now()
	result, err := srv.ReadResource(ctx, uri)
	c.metrics.RecordRPC(srv.Name, "resources/read", time.Since(start), metrics.ClassifyOutcome(err, nil))
	return result, err
}

// ListResources refreshes and merges one page of resources per server,
// populating the resource cache used by ReadResource's disambiguation.
//
// A cursor is only ever meaningful against the server that issued it, so a
// cursor-bearing call targets only the first registered server rather than
// replaying the same cursor against every server (documented quirk, not a
// bug to work around).
func (c *Client) ListResources(ctx context.Context, cursor string) ([]mcp.Resource, error) {
	c.mu.RLock()
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.RUnlock()

	if cursor != "" && len(servers) > 0 {
		servers = servers[:1]
	}

	type perServer struct {
		name      string
		resources []mcp.Resource
	}
	p := pool.NewWithResults[perServer]()
	for _, srv := range servers {
		srv := srv
		p.Go(func() perServer {
			result, err := srv.ListResources(ctx, cursor)
			if err != nil {
				c.logger.Warn(ctx, "list_resources failed", zap.String("mcp.server", srv.Name), zap.Error(err))
				return perServer{name: srv.Name}
			}
			return perServer{name: srv.Name, resources: result.Resources}
		})
	}
	results := p.Wait()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	var merged []mcp.Resource
	for _, r := range results {
		for _, res := range r.resources {
			key := fmt.Sprintf("%s:%s", r.name, res.URI)
			c.resourceCache[key] = resourceEntry{resource: res, server: r.name}
			merged = append(merged, res)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].URI < merged[j].URI })
	return merged, nil
}

// Close tears down every registered server's transport.
func (c *Client) Close(ctx context.Context) error {
	c.mu.RLock()
	servers := append([]*mcp.Server(nil), c.servers...)
	c.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, srv := range servers {
		srv := srv
		p.Go(func() error { return srv.Close(ctx) })
	}
	return p.Wait()
}
