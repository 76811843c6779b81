package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// Fallback reasons recorded in toolset metadata when an oversized set
// could not be split.
const (
	FallbackNoLLMClient          = "no_llm_client"
	FallbackBadResponseContent   = "llm_bad_response_content"
	FallbackCallFailure          = "llm_call_failure"
	FallbackEmptyResponse        = "llm_empty_response"
	FallbackJSONParseFailure     = "llm_json_parse_failure"
	FallbackInvalidJSONStructure = "llm_invalid_json_structure"
	FallbackUnassignedMisc       = "llm_unassigned_misc"
	FallbackSplitIssuesOrEmpty   = "llm_split_issues_or_empty"
)

// miscGroupName collects operation ids the LLM left unassigned.
const miscGroupName = "Miscellaneous"

const splitInstruction = "You are organizing an API's operations into coherent functional groups " +
	"for an AI agent. Given the operations below, return ONLY a JSON object whose keys are " +
	"short group names and whose values are arrays of operation ids. Every operation id must " +
	"appear in exactly one group. Do not invent ids. Do not add commentary."

// operationTool is the view the splitter needs of an OpenAPI-derived
// tool. The openapi package's operation tools satisfy it.
type operationTool interface {
	OperationID() string
	Summary() string
}

// splitError carries the fallback reason for a failed split attempt.
type splitError struct {
	reason string
	err    error
}

func (e *splitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.err)
	}
	return e.reason
}

// splitToolSet replaces an oversized set with one set per LLM-assigned
// group, plus an auxiliary set for non-operation tools. On any failure
// the original set is returned whole, with the reason in its metadata.
// Splitting never discards tools.
func (o *Orchestrator) splitToolSet(ctx context.Context, src SourceConfig, set *ToolSet) []*ToolSet {
	list, _ := set.Tools(ctx)

	// Non-operation tools cannot be described to the LLM by operation
	// id; they get a dedicated set.
	var ops []tools.Tool
	var aux []tools.Tool
	byOpID := make(map[string]tools.Tool)
	for _, t := range list {
		op, ok := t.(operationTool)
		if !ok || op.OperationID() == "" {
			aux = append(aux, t)
			continue
		}
		ops = append(ops, t)
		byOpID[op.OperationID()] = t
	}

	groups, err := o.assignGroups(ctx, ops, byOpID)
	if err != nil {
		reason := FallbackSplitIssuesOrEmpty
		var se *splitError
		if errors.As(err, &se) {
			reason = se.reason
		}
		o.logger.Warn("toolset split failed, keeping unsplit",
			"toolset", set.ID(), "reason", reason, "error", err)
		return []*ToolSet{o.unsplit(set, reason)}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*ToolSet, 0, len(names)+1)
	for _, name := range names {
		meta := set.Metadata()
		meta.LogicalGroup = name
		meta.LLMGroupName = name
		meta.LLMModelUsed = o.model
		if name == miscGroupName {
			meta.SplitFallback = FallbackUnassignedMisc
		}
		out = append(out, NewToolSet(
			set.ID()+"_"+name,
			fmt.Sprintf("%s: %s", set.name, name),
			fmt.Sprintf("%s operations in the %s group", set.name, name),
			meta, groups[name], o.logger,
		))
	}

	if len(aux) > 0 {
		meta := set.Metadata()
		meta.LogicalGroup = "auxiliary_tools"
		out = append(out, NewToolSet(
			set.ID()+"_auxiliary_tools",
			set.name+": auxiliary tools",
			"Supporting tools that are not API operations",
			meta, aux, o.logger,
		))
	}
	return out
}

// unsplit returns the original set annotated with the fallback reason.
func (o *Orchestrator) unsplit(set *ToolSet, reason string) *ToolSet {
	meta := set.Metadata()
	meta.SplitFallback = reason
	return NewToolSet(set.ID(), set.name, set.description, meta, set.list, o.logger)
}

// assignGroups asks the LLM to partition the operations and validates
// the result. The returned map holds every operation exactly once.
func (o *Orchestrator) assignGroups(ctx context.Context, ops []tools.Tool, byOpID map[string]tools.Tool) (map[string][]tools.Tool, error) {
	if o.llm == nil {
		return nil, &splitError{reason: FallbackNoLLMClient}
	}
	if len(ops) == 0 {
		return nil, &splitError{reason: FallbackSplitIssuesOrEmpty}
	}

	var catalog strings.Builder
	for _, t := range ops {
		op := t.(operationTool)
		def := t.Definition()
		fmt.Fprintf(&catalog, "- id: %s\n  summary: %s\n  description: %s\n",
			op.OperationID(),
			models.TrimForPrompt(op.Summary(), 120),
			models.TrimForPrompt(def.Description, 200))
	}

	resp, err := o.llm.Generate(ctx, &llm.Request{
		Model:  o.model,
		System: splitInstruction,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: catalog.String()},
		},
	})
	if err != nil {
		return nil, &splitError{reason: FallbackCallFailure, err: err}
	}

	content := strings.TrimSpace(stripCodeFence(resp.Content))
	if content == "" {
		return nil, &splitError{reason: FallbackEmptyResponse}
	}

	var raw any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, &splitError{reason: FallbackJSONParseFailure, err: err}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &splitError{reason: FallbackBadResponseContent,
			err: fmt.Errorf("top-level value is %T, want object", raw)}
	}

	groups := make(map[string][]tools.Tool)
	assigned := make(map[string]bool, len(byOpID))
	for name, value := range obj {
		ids, ok := value.([]any)
		if !ok {
			return nil, &splitError{reason: FallbackInvalidJSONStructure,
				err: fmt.Errorf("group %q is %T, want array", name, value)}
		}
		for _, v := range ids {
			id, ok := v.(string)
			if !ok {
				return nil, &splitError{reason: FallbackInvalidJSONStructure,
					err: fmt.Errorf("group %q contains %T, want string", name, v)}
			}
			tool, known := byOpID[id]
			if !known {
				return nil, &splitError{reason: FallbackInvalidJSONStructure,
					err: fmt.Errorf("unknown operation id %q in group %q", id, name)}
			}
			if assigned[id] {
				return nil, &splitError{reason: FallbackInvalidJSONStructure,
					err: fmt.Errorf("operation id %q assigned to multiple groups", id)}
			}
			assigned[id] = true
			groups[name] = append(groups[name], tool)
		}
	}

	// Ids the LLM forgot land in Miscellaneous rather than failing the
	// split.
	for _, t := range ops {
		id := t.(operationTool).OperationID()
		if !assigned[id] {
			groups[miscGroupName] = append(groups[miscGroupName], t)
		}
	}

	if len(groups) == 0 {
		return nil, &splitError{reason: FallbackSplitIssuesOrEmpty}
	}
	return groups, nil
}

// stripCodeFence removes a surrounding markdown code fence, which
// models emit even when told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
