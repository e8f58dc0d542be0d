package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// QualifiedTool is a tool resolved from its fully qualified name.
type QualifiedTool struct {
	Server     string
	Tool       string
	Descriptor ToolDescriptor
}

// Qualified returns the fleet-wide name: server + "_" + tool.
func (q QualifiedTool) Qualified() string {
	return q.Server + "_" + q.Tool
}

// Directory is a snapshot of the connected server fleet used to resolve
// tool names and to build the manifest injected into planner tools.
// System servers are part of the fleet but excluded from the manifest.
type Directory struct {
	servers map[string][]ToolDescriptor
	system  map[string]bool
}

// NewDirectory builds a directory from a tool catalogue.
func NewDirectory(tools map[string][]ToolDescriptor, systemServers []string) *Directory {
	system := make(map[string]bool, len(systemServers))
	for _, s := range systemServers {
		system[s] = true
	}
	return &Directory{servers: tools, system: system}
}

// Snapshot loads the current catalogue from the client.
func Snapshot(ctx context.Context, client Client, systemServers []string) (*Directory, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return NewDirectory(tools, systemServers), nil
}

// Resolve splits a fully qualified name at the first underscore whose
// prefix names a known server carrying the remaining tool name. Server
// names may themselves contain underscores, so every split point is
// tried left to right.
func (d *Directory) Resolve(qualified string) (QualifiedTool, bool) {
	for i := 0; i < len(qualified); i++ {
		if qualified[i] != '_' {
			continue
		}
		server, tool := qualified[:i], qualified[i+1:]
		descs, ok := d.servers[server]
		if !ok || tool == "" {
			continue
		}
		for _, desc := range descs {
			if desc.Name == tool {
				return QualifiedTool{Server: server, Tool: tool, Descriptor: desc}, true
			}
		}
	}
	return QualifiedTool{}, false
}

// ResolveAll maps a list of fully qualified names, dropping unknowns.
func (d *Directory) ResolveAll(qualified []string) []QualifiedTool {
	out := make([]QualifiedTool, 0, len(qualified))
	for _, name := range qualified {
		if q, ok := d.Resolve(name); ok {
			out = append(out, q)
		}
	}
	return out
}

// All returns every tool in the fleet, sorted by qualified name so
// the exposure order is stable across requests.
func (d *Directory) All() []QualifiedTool {
	var out []QualifiedTool
	for server, descs := range d.servers {
		for _, desc := range descs {
			out = append(out, QualifiedTool{Server: server, Tool: desc.Name, Descriptor: desc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Qualified() < out[j].Qualified() })
	return out
}

// Servers returns the known server names in no particular order.
func (d *Directory) Servers() []string {
	names := make([]string, 0, len(d.servers))
	for name := range d.servers {
		names = append(names, name)
	}
	return names
}

// Manifest returns the fleet directory injected into tools whose schema
// declares an _mcp_data field: every non-system server with its tool
// names and descriptions.
func (d *Directory) Manifest() map[string]any {
	manifest := make(map[string]any, len(d.servers))
	for server, descs := range d.servers {
		if d.system[server] {
			continue
		}
		tools := make([]map[string]string, 0, len(descs))
		for _, desc := range descs {
			entry := map[string]string{"name": desc.Name}
			if desc.Description != "" {
				entry["description"] = desc.Description
			}
			tools = append(tools, entry)
		}
		manifest[server] = tools
	}
	return manifest
}

// DeclaresFleetData reports whether a tool's input schema carries the
// _mcp_data marker field, signalling that the fleet manifest should be
// injected at invocation time.
func DeclaresFleetData(schema []byte) bool {
	props, ok := schemaProperties(schema)
	if !ok {
		return false
	}
	_, found := props[FleetDataField]
	return found
}

// FleetDataField is the schema field name that requests manifest
// injection.
const FleetDataField = "_mcp_data"

func schemaProperties(schema []byte) (map[string]any, bool) {
	if len(schema) == 0 {
		return nil, false
	}
	var parsed struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil, false
	}
	return parsed.Properties, parsed.Properties != nil
}

// PromptBody finds a prompt by id across the fleet and returns its
// body. The id is qualified the same way tools are.
func PromptBody(ctx context.Context, client Client, promptID string) (string, bool) {
	catalogue, err := client.ListPrompts(ctx)
	if err != nil {
		return "", false
	}
	for server, prompts := range catalogue {
		for _, p := range prompts {
			if server+"_"+p.Name == promptID || p.Name == promptID {
				return p.Body, p.Body != ""
			}
		}
	}
	return "", false
}
