package mcp

import (
	"testing"
)

func testDirectory() *Directory {
	return NewDirectory(map[string][]ToolDescriptor{
		"calc":       {{Name: "add"}, {Name: "sub"}},
		"web_search": {{Name: "query", Description: "search the web"}},
		"system":     {{Name: "planner", InputSchema: []byte(`{"type":"object","properties":{"_mcp_data":{"type":"object"}}}`)}},
	}, []string{"system"})
}

func TestResolveSimpleName(t *testing.T) {
	d := testDirectory()
	q, ok := d.Resolve("calc_add")
	if !ok {
		t.Fatal("calc_add should resolve")
	}
	if q.Server != "calc" || q.Tool != "add" {
		t.Errorf("resolved %s/%s, want calc/add", q.Server, q.Tool)
	}
}

func TestResolveServerWithUnderscore(t *testing.T) {
	d := testDirectory()
	q, ok := d.Resolve("web_search_query")
	if !ok {
		t.Fatal("web_search_query should resolve")
	}
	if q.Server != "web_search" || q.Tool != "query" {
		t.Errorf("resolved %s/%s, want web_search/query", q.Server, q.Tool)
	}
}

func TestResolveUnknown(t *testing.T) {
	d := testDirectory()
	if _, ok := d.Resolve("calc_multiply"); ok {
		t.Error("unknown tool should not resolve")
	}
	if _, ok := d.Resolve("nosuch_add"); ok {
		t.Error("unknown server should not resolve")
	}
	if _, ok := d.Resolve("plainname"); ok {
		t.Error("name without separator should not resolve")
	}
}

func TestManifestExcludesSystemServers(t *testing.T) {
	d := testDirectory()
	manifest := d.Manifest()
	if _, ok := manifest["system"]; ok {
		t.Error("system servers must not appear in the fleet manifest")
	}
	if _, ok := manifest["calc"]; !ok {
		t.Error("calc should appear in the fleet manifest")
	}
	tools, _ := manifest["web_search"].([]map[string]string)
	if len(tools) != 1 || tools[0]["description"] != "search the web" {
		t.Errorf("manifest entry for web_search wrong: %v", tools)
	}
}

func TestDeclaresFleetData(t *testing.T) {
	withField := []byte(`{"type":"object","properties":{"_mcp_data":{"type":"object"},"x":{"type":"string"}}}`)
	if !DeclaresFleetData(withField) {
		t.Error("schema with _mcp_data property should be detected")
	}
	without := []byte(`{"type":"object","properties":{"x":{"type":"string"}}}`)
	if DeclaresFleetData(without) {
		t.Error("schema without _mcp_data must not be detected")
	}
	if DeclaresFleetData(nil) || DeclaresFleetData([]byte(`not json`)) {
		t.Error("empty or invalid schemas must not be detected")
	}
}
