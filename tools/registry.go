package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Name is the closed set of tools the assistant can dispatch.
type Name string

const (
	NameClientQoEs  Name = "calcula_qoes_cliente"
	NameServerQoEs  Name = "calcula_qoes_servidor"
	NamePairMeans   Name = "get_bitrate_latencia"
	NameClientMeans Name = "get_bitrates_latencias_cliente"
	NameServerMeans Name = "get_bitrates_latencias_servidor"
	NameComputeQoE  Name = "calcula_qoe"
	NameMeanQoE     Name = "media_qoe"
	NameVarianceQoE Name = "variancia_qoe"
)

var allNames = []Name{
	NameClientQoEs,
	NameServerQoEs,
	NamePairMeans,
	NameClientMeans,
	NameServerMeans,
	NameComputeQoE,
	NameMeanQoE,
	NameVarianceQoE,
}

// Names returns every dispatchable tool name in declaration order.
func Names() []Name {
	return append([]Name(nil), allNames...)
}

func (n Name) Valid() bool {
	for _, known := range allNames {
		if n == known {
			return true
		}
	}
	return false
}

var ErrUnknownTool = errors.New("unknown tool")

type Bundle struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

// Registry maps tool names to handlers. It is filled once at startup and
// only read afterwards, so lookups take no locks.
type Registry struct {
	tools   map[Name]Tool
	order   []Name
	bundles map[string]Bundle
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   map[Name]Tool{},
		bundles: map[string]Bundle{},
	}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := Name(tool.Definition().Name)
	if !name.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) RegisterBundle(name, description string, names []Name) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("bundle name is required")
	}
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			return fmt.Errorf("bundle %q: %w %q", name, ErrUnknownTool, n)
		}
		cleaned = append(cleaned, string(n))
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("bundle %q has no tools", name)
	}
	if _, exists := r.bundles[name]; exists {
		return fmt.Errorf("bundle %q already registered", name)
	}
	r.bundles[name] = Bundle{Name: name, Description: strings.TrimSpace(description), Tools: cleaned}
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[Name(name)]
	return t, ok
}

// Execute runs a single tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return t.Execute(ctx, args)
}

// Catalog lists registered tools in registration order.
func (r *Registry) Catalog() []ToolInfo {
	out := make([]ToolInfo, 0, len(r.order))
	for _, n := range r.order {
		def := r.tools[n].Definition()
		out = append(out, ToolInfo{Name: def.Name, Description: def.Description, JSONSchema: def.JSONSchema})
	}
	return out
}

func (r *Registry) BundleCatalog() []Bundle {
	out := make([]Bundle, 0, len(r.bundles))
	for _, bundle := range r.bundles {
		out = append(out, Bundle{
			Name:        bundle.Name,
			Description: bundle.Description,
			Tools:       append([]string(nil), bundle.Tools...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select resolves tool names, "@bundle" references and "*" into tools,
// keeping first-seen order and dropping duplicates.
func (r *Registry) Select(selection []string) ([]Tool, error) {
	ordered := make([]Name, 0, len(selection))
	seen := map[Name]bool{}
	appendName := func(n Name) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		ordered = append(ordered, n)
	}

	for _, raw := range selection {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == "*":
			for _, n := range r.order {
				appendName(n)
			}
		case strings.HasPrefix(entry, "@"):
			bundleName := strings.TrimPrefix(entry, "@")
			bundle, ok := r.bundles[bundleName]
			if !ok {
				return nil, fmt.Errorf("unknown tool bundle %q", bundleName)
			}
			for _, n := range bundle.Tools {
				appendName(Name(n))
			}
		default:
			if _, ok := r.tools[Name(entry)]; !ok {
				return nil, fmt.Errorf("%w %q", ErrUnknownTool, entry)
			}
			appendName(Name(entry))
		}
	}

	out := make([]Tool, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, r.tools[n])
	}
	return out, nil
}
