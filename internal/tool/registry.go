// Package tool provides the typed tool registry and dispatcher. Tools are
// enumerated at startup, validate their arguments against a JSON schema
// before execution, and run under a caller-supplied timeout. Results and
// every failure mode come back as an agent.ToolCall so the orchestrator can
// fold them into the conversation.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/sync/singleflight"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/cache"
	"github.com/tickerchat/tickerchat/internal/log"
)

// Sentinel errors surfaced in ToolCall.Error descriptions.
var (
	// ErrUnknownTool indicates the requested tool is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArgument indicates the arguments failed validation. Surfaced
	// before execution; never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyRegistered indicates a duplicate tool name at startup.
	ErrAlreadyRegistered = errors.New("tool already registered")
)

// Tool is the contract every dispatchable tool implements. Execute must
// honor ctx cancellation and be idempotent or read-only: the dispatcher does
// not assume side effects are rolled back on timeout.
type Tool interface {
	Definition() agent.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Cacheable is implemented by tools whose results may be served from the
// lookaside cache. CacheTTL is the staleness tolerance for one result.
type Cacheable interface {
	CacheTTL() time.Duration
}

type entry struct {
	tool     Tool
	def      agent.ToolDefinition
	resolved *jsonschema.Resolved
	ttl      time.Duration
}

// Registry holds named tools and dispatches invocations. Registration
// happens at startup; afterwards the registry is read-only and safe for
// concurrent use.
type Registry struct {
	cache  cache.Cache
	logger log.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

// NewRegistry creates a registry. A nil cache disables result caching.
func NewRegistry(c cache.Cache, logger log.Logger) *Registry {
	if c == nil {
		c = cache.Nop{}
	}
	return &Registry{
		cache:  c,
		logger: logger,
		tools:  make(map[string]*entry),
	}
}

var _ agent.ToolDispatcher = (*Registry)(nil)

// Register adds a tool, resolving its argument schema for validation.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return errors.New("tool definition requires a name")
	}

	var resolved *jsonschema.Resolved
	if def.Schema != nil {
		var err error
		resolved, err = def.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolve schema for %q: %w", def.Name, err)
		}
	}

	var ttl time.Duration
	if c, ok := t.(Cacheable); ok {
		ttl = c.CacheTTL()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, def.Name)
	}
	r.tools[def.Name] = &entry{tool: t, def: def, resolved: resolved, ttl: ttl}
	r.order = append(r.order, def.Name)

	r.logger.Debug("registered tool", "name", def.Name, "cacheable", ttl > 0)
	return nil
}

// Definitions returns all tool definitions in registration order.
func (r *Registry) Definitions() []agent.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]agent.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Invoke validates args and executes the named tool under timeout,
// consulting the lookaside cache first for cacheable tools. Failures are
// encoded in the returned ToolCall, never as a Go error: the model decides
// how to react to them.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) agent.ToolCall {
	start := time.Now()
	call := agent.ToolCall{Name: name, Args: args, Status: agent.ToolCallPending}

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		call.Status = agent.ToolCallFailed
		call.Error = fmt.Sprintf("%v: %q", ErrUnknownTool, name)
		call.Duration = time.Since(start)
		return call
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
		call.Args = args
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		call.Status = agent.ToolCallFailed
		call.Error = fmt.Sprintf("%v: arguments are not valid JSON: %v", ErrInvalidArgument, err)
		call.Duration = time.Since(start)
		return call
	}
	if e.resolved != nil {
		if err := e.resolved.Validate(decoded); err != nil {
			call.Status = agent.ToolCallFailed
			call.Error = fmt.Sprintf("%v: %v", ErrInvalidArgument, err)
			call.Duration = time.Since(start)
			return call
		}
	}

	key := cacheKey(name, decoded)
	if e.ttl > 0 {
		if val, hit := r.cache.Get(ctx, key); hit {
			call.Status = agent.ToolCallSucceeded
			call.Result = val
			call.FromCache = true
			call.Duration = time.Since(start)
			return call
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result json.RawMessage
	var err error
	if e.ttl > 0 {
		// Cacheable tools are read-only, so concurrent identical invocations
		// collapse into one upstream call.
		var v any
		v, err, _ = r.group.Do(key, func() (any, error) {
			return e.tool.Execute(execCtx, args)
		})
		if err == nil {
			result, _ = v.(json.RawMessage)
		}
	} else {
		result, err = e.tool.Execute(execCtx, args)
	}
	call.Duration = time.Since(start)
	switch {
	case err == nil:
		call.Status = agent.ToolCallSucceeded
		call.Result = result
		if e.ttl > 0 {
			r.cache.Set(ctx, key, result, e.ttl)
		}
	case errors.Is(err, context.DeadlineExceeded) && execCtx.Err() != nil:
		call.Status = agent.ToolCallTimedOut
		call.Error = fmt.Sprintf("tool %q timed out after %v", name, timeout)
	default:
		call.Status = agent.ToolCallFailed
		call.Error = fmt.Sprintf("tool %q failed: %v", name, err)
	}
	return call
}

// mustSchema derives the JSON schema for a tool's argument struct. Tool
// argument types are fixed at compile time, so a derivation failure is a
// programming error.
func mustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("derive schema: %v", err))
	}
	return s
}

// cacheKey builds a stable key from the tool name and normalized arguments.
// Marshaling the decoded value canonicalizes object key order, so
// {"a":1,"b":2} and {"b":2,"a":1} share one entry.
func cacheKey(name string, decoded any) string {
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return "tool:" + name
	}
	return "tool:" + name + ":" + string(normalized)
}
