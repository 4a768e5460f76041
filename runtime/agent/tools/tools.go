// Package tools defines the tool contract and registry used by the runtime.
//
// A tool is a named, schema-typed capability with a declared safety profile.
// The runtime invokes tools on behalf of the LM; the executor validates every
// input against the tool's JSON Schema before the handler runs, and the
// planner renders the registry as a deterministic index (name, category,
// summary, safety, schema fingerprint) for the LM prompt.
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ident is the strong type for tool identifiers (e.g., "tool_write_file").
// Use this type when referencing tools in maps or APIs to avoid accidental
// mixing with free-form strings.
type Ident string

// SideEffects declares the effect class a tool may have.
type SideEffects string

const (
	// SideEffectsNone marks pure tools (checks, lookups).
	SideEffectsNone SideEffects = "none"
	// SideEffectsFS marks tools that read or write the project filesystem.
	SideEffectsFS SideEffects = "fs"
	// SideEffectsExec marks tools that spawn commands.
	SideEffectsExec SideEffects = "exec"
	// SideEffectsLLM marks tools that call back into a language model.
	SideEffectsLLM SideEffects = "llm"
)

type (
	// Safety declares a tool's effect profile and optional command allowlist.
	Safety struct {
		// SideEffects classifies what the tool touches.
		SideEffects SideEffects `json:"side_effects"`
		// Allowlist restricts exec-class tools to the named commands. Empty
		// means the tool defers to the policy's allowed commands.
		Allowlist []string `json:"allowlist,omitempty"`
	}

	// Example documents a representative invocation for planner prompts.
	Example struct {
		// Title summarizes what the example demonstrates.
		Title string `json:"title"`
		// Input is the example input document.
		Input map[string]any `json:"input"`
	}

	// Spec enumerates the static metadata for a tool.
	Spec struct {
		// Name is the tool identifier presented to the LM.
		Name Ident `json:"name"`
		// Description provides human-readable context for planners.
		Description string `json:"description"`
		// Category groups related tools in the rendered index (fs, exec,
		// workspace, check, ...).
		Category string `json:"category"`
		// Capabilities lists free-form capability labels.
		Capabilities []string `json:"capabilities,omitempty"`
		// InputSchema is the JSON Schema for the tool input. Nil accepts any
		// input document.
		InputSchema map[string]any `json:"input_schema,omitempty"`
		// OutputSchema optionally describes the result data document.
		OutputSchema map[string]any `json:"output_schema,omitempty"`
		// Safety declares the tool's effect profile.
		Safety Safety `json:"safety"`
		// Docs carries extended usage documentation.
		Docs string `json:"docs,omitempty"`
		// Examples lists representative invocations.
		Examples []Example `json:"examples,omitempty"`
	}

	// Failure describes a tool-level error in a result.
	Failure struct {
		// Code is a stable machine-readable identifier.
		Code string `json:"code"`
		// Message is the human-readable summary.
		Message string `json:"message"`
		// Detail optionally carries diagnostic context (truncated output,
		// offending path).
		Detail string `json:"detail,omitempty"`
	}

	// Meta carries side-effect metadata reported by a tool run.
	Meta struct {
		// TouchedPaths lists project-relative paths the tool created or
		// modified during this invocation.
		TouchedPaths []string `json:"touched_paths,omitempty"`
	}

	// Result is the outcome of one tool invocation.
	Result struct {
		// OK reports whether the invocation succeeded.
		OK bool `json:"ok"`
		// Data is the structured result document, if any.
		Data map[string]any `json:"data,omitempty"`
		// Error describes the failure when OK is false.
		Error *Failure `json:"error,omitempty"`
		// Meta carries side-effect metadata.
		Meta *Meta `json:"meta,omitempty"`
	}

	// Memory is the shared mutable scratchpad tools and the runtime exchange.
	// It accumulates effect evidence (touched and patch paths) and the last
	// verify result across a run.
	Memory struct {
		// ProjectRoot is the absolute directory all fs/exec tools are
		// confined to.
		ProjectRoot string
		// AppDir, OutDir and SpecPath locate conventional project areas for
		// tools that need them. Optional.
		AppDir   string
		OutDir   string
		SpecPath string
		// PatchPaths lists paths introduced by tools during this run.
		PatchPaths []string
		// TouchedPaths lists every path reported touched, deduped in first
		// touch order.
		TouchedPaths []string
		// VerifyResult holds the most recent verify-style tool output.
		VerifyResult map[string]any
	}

	// CommandResult reports a completed command execution.
	CommandResult struct {
		// ExitCode is the process exit code.
		ExitCode int `json:"exit_code"`
		// Stdout holds captured standard output.
		Stdout string `json:"stdout,omitempty"`
		// Stderr holds captured standard error.
		Stderr string `json:"stderr,omitempty"`
	}

	// Runner spawns commands on behalf of exec-class tools. Implementations
	// honor ctx cancellation and return an error only when the command could
	// not be started; non-zero exits are reported through CommandResult.
	Runner interface {
		Run(ctx context.Context, cmd string, args []string, dir string) (CommandResult, error)
	}

	// Context provides tools with the shared run facilities: the mutable
	// memory, an optional model client for llm-class tools, the command
	// runner, and runtime flags.
	Context struct {
		// Memory is the shared scratchpad. Never nil during execution.
		Memory *Memory
		// Model is the run's LM client. May be nil when no llm-class tool is
		// registered.
		Model any
		// Runner spawns commands. May be nil when no exec-class tool is
		// registered.
		Runner Runner
		// Flags carries runtime feature switches tools may consult.
		Flags map[string]bool
	}

	// RunFunc executes a tool against a validated input document.
	RunFunc func(ctx context.Context, input map[string]any, tctx *Context) Result

	// Tool pairs a spec with its handler and precompiled input schema.
	Tool struct {
		// Spec is the static tool metadata.
		Spec Spec
		// Run executes the tool.
		Run RunFunc

		compiled *jsonschema.Schema
	}

	// Registry holds the tools available to a run. Registration order is
	// preserved; lookups and listings are safe for concurrent readers.
	Registry struct {
		mu    sync.RWMutex
		order []Ident
		tools map[Ident]*Tool
	}
)

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[Ident]*Tool)}
}

// Register adds a tool to the registry. The tool name must be unique and the
// input schema, when present, must compile.
func (r *Registry) Register(spec Spec, run RunFunc) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: name is required")
	}
	if run == nil {
		return fmt.Errorf("tools: handler is required for %q", spec.Name)
	}
	compiled, err := compileSchema(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("tools: compile input schema for %q: %w", spec.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", spec.Name)
	}
	r.tools[spec.Name] = &Tool{Spec: spec, Run: run, compiled: compiled}
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name Ident) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names sorted lexically.
func (r *Registry) Names() []Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Ident, len(r.order))
	copy(names, r.order)
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Specs returns the registered tool specs sorted by name so renderings are
// deterministic regardless of registration order.
func (r *Registry) Specs() []Spec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, r.tools[n].Spec)
	}
	return specs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// AddTouchedPaths merges paths into the memory's touched set, preserving
// first-touch order, and returns the paths not seen before this call.
func (m *Memory) AddTouchedPaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(m.TouchedPaths))
	for _, p := range m.TouchedPaths {
		seen[p] = struct{}{}
	}
	var added []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		m.TouchedPaths = append(m.TouchedPaths, p)
		added = append(added, p)
	}
	return added
}

// ResolvePath resolves path against the memory's project root and enforces
// containment: the cleaned result must stay inside the root. It returns the
// absolute filesystem path and the project-relative slash path. Paths that
// escape the root, through ".." segments or an absolute path elsewhere, are
// rejected.
// Resolve errors are surfaced verbatim as tool failure evidence, so they
// carry no package prefix.
func (m *Memory) ResolvePath(path string) (abs, rel string, err error) {
	if m.ProjectRoot == "" {
		return "", "", fmt.Errorf("project root is not configured")
	}
	if path == "" {
		return "", "", fmt.Errorf("path is required")
	}
	root := filepath.Clean(m.ProjectRoot)
	abs = path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, rerr := filepath.Rel(root, abs)
	if rerr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q resolves outside the project root", path)
	}
	return abs, filepath.ToSlash(rel), nil
}

// AddPatchPaths appends paths to the patch set, skipping duplicates.
func (m *Memory) AddPatchPaths(paths []string) {
	seen := make(map[string]struct{}, len(m.PatchPaths))
	for _, p := range m.PatchPaths {
		seen[p] = struct{}{}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		m.PatchPaths = append(m.PatchPaths, p)
	}
}

// OKResult builds a successful result with optional data.
func OKResult(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

// FailResult builds a failed result with the given code and message.
func FailResult(code, message string) Result {
	return Result{OK: false, Error: &Failure{Code: code, Message: message}}
}
