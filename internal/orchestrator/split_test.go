package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// stubOp is an OpenAPI-shaped operation tool for split tests.
type stubOp struct {
	id      string
	tags    []string
	summary string
}

func (t *stubOp) Definition() models.ToolDefinition {
	return models.ToolDefinition{Name: models.SanitizeToolName(t.id), Description: "operation " + t.id}
}

func (t *stubOp) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true, Data: t.id}, nil
}

func (t *stubOp) OperationID() string { return t.id }
func (t *stubOp) Tags() []string      { return t.tags }
func (t *stubOp) Summary() string     { return t.summary }

// stubAux is a plain tool with no operation identity.
type stubAux struct{ name string }

func (t *stubAux) Definition() models.ToolDefinition {
	return models.ToolDefinition{Name: t.name, Description: "auxiliary " + t.name}
}

func (t *stubAux) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true}, nil
}

func splitFixture(client *fakeSplitLLM, list ...tools.Tool) (*Orchestrator, SourceConfig, *ToolSet) {
	o := New(Options{Model: "splitter-model"})
	if client != nil {
		o.llm = client
	}
	src := SourceConfig{ID: "api", MaxToolsPerLogicalGroup: 2}
	set := NewToolSet("api", "API", "All operations", models.ToolSetMetadata{SourceID: "api"}, list, nil)
	return o, src, set
}

func TestSplitAssignsGroupsAndAuxiliary(t *testing.T) {
	client := &fakeSplitLLM{content: `{"Pets": ["listPets", "getPet"], "Orders": ["getOrder"]}`}
	o, src, set := splitFixture(client,
		&stubOp{id: "listPets", summary: "List pets"},
		&stubOp{id: "getPet", summary: "Get one pet"},
		&stubOp{id: "getOrder", summary: "Get an order"},
		&stubOp{id: "deleteOrder", summary: "Delete an order"},
		&stubAux{name: "ping"},
	)

	sets := o.splitToolSet(context.Background(), src, set)
	ids := setIDs(sets)
	want := []string{"api_Miscellaneous", "api_Orders", "api_Pets", "api_auxiliary_tools"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], w)
		}
	}

	byID := make(map[string]*ToolSet, len(sets))
	for _, s := range sets {
		byID[s.ID()] = s
	}

	pets := byID["api_Pets"].Info()
	if pets.ToolCount != 2 || pets.Metadata.LLMGroupName != "Pets" || pets.Metadata.LLMModelUsed != "splitter-model" {
		t.Errorf("pets = %+v", pets)
	}

	// The id the LLM forgot lands in Miscellaneous, flagged as such.
	misc := byID["api_Miscellaneous"]
	if misc.Info().ToolCount != 1 {
		t.Errorf("misc = %+v", misc.Info())
	}
	if _, ok := misc.Tool(context.Background(), "deleteOrder"); !ok {
		t.Error("deleteOrder not in Miscellaneous")
	}
	if misc.Info().Metadata.SplitFallback != FallbackUnassignedMisc {
		t.Errorf("misc fallback = %q", misc.Info().Metadata.SplitFallback)
	}

	aux := byID["api_auxiliary_tools"]
	if _, ok := aux.Tool(context.Background(), "ping"); !ok {
		t.Error("ping not in auxiliary set")
	}
}

func TestSplitFallbackReasons(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeSplitLLM
		reason string
	}{
		{"no client", nil, FallbackNoLLMClient},
		{"call failure", &fakeSplitLLM{err: errors.New("rate limited")}, FallbackCallFailure},
		{"empty response", &fakeSplitLLM{content: "   "}, FallbackEmptyResponse},
		{"not json", &fakeSplitLLM{content: "here are the groups you asked for"}, FallbackJSONParseFailure},
		{"not an object", &fakeSplitLLM{content: `["listPets", "getPet"]`}, FallbackBadResponseContent},
		{"group not array", &fakeSplitLLM{content: `{"Pets": "listPets"}`}, FallbackInvalidJSONStructure},
		{"non-string id", &fakeSplitLLM{content: `{"Pets": [42]}`}, FallbackInvalidJSONStructure},
		{"unknown id", &fakeSplitLLM{content: `{"Pets": ["flyPet"]}`}, FallbackInvalidJSONStructure},
		{"duplicated id", &fakeSplitLLM{content: `{"A": ["listPets"], "B": ["listPets"]}`}, FallbackInvalidJSONStructure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, src, set := splitFixture(tc.client,
				&stubOp{id: "listPets"},
				&stubOp{id: "getPet"},
				&stubOp{id: "getOrder"},
			)
			sets := o.splitToolSet(context.Background(), src, set)
			if len(sets) != 1 {
				t.Fatalf("sets = %v", setIDs(sets))
			}
			info := sets[0].Info()
			if info.Metadata.SplitFallback != tc.reason {
				t.Errorf("fallback = %q, want %q", info.Metadata.SplitFallback, tc.reason)
			}
			// The fallback set keeps every tool.
			if info.ToolCount != 3 {
				t.Errorf("tool count = %d", info.ToolCount)
			}
		})
	}
}

func TestSplitWithOnlyAuxiliaryToolsFallsBack(t *testing.T) {
	client := &fakeSplitLLM{content: `{}`}
	o, src, set := splitFixture(client, &stubAux{name: "a"}, &stubAux{name: "b"}, &stubAux{name: "c"})

	sets := o.splitToolSet(context.Background(), src, set)
	if len(sets) != 1 {
		t.Fatalf("sets = %v", setIDs(sets))
	}
	if sets[0].Info().Metadata.SplitFallback != FallbackSplitIssuesOrEmpty {
		t.Errorf("fallback = %q", sets[0].Info().Metadata.SplitFallback)
	}
	if client.calls != 0 {
		t.Errorf("llm called %d times with nothing to split", client.calls)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"{\"a\": 1}":                      `{"a": 1}`,
		"```json\n{\"a\": 1}\n```":        `{"a": 1}`,
		"```\n{\"a\": 1}\n```":            `{"a": 1}`,
		"  {\"a\": 1}  ":                  `{"a": 1}`,
		"```json\n{\"a\": [\"b\"]}\n```":  `{"a": ["b"]}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}
