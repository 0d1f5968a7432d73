package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/apibridge/apibridge/conversation"
)

// ============================================================================
// BUILT-IN TOOLS
// ============================================================================

// StatsToolName is the built-in session statistics tool.
const StatsToolName = "get_session_stats"

// sessionStatsArgs is the argument struct for the stats tool; its JSON
// schema is reflected for the model.
type sessionStatsArgs struct {
	IncludeRoles bool `json:"include_roles,omitempty" jsonschema:"description=Include a per-role message breakdown"`
}

type builtinFunc func(ctx context.Context, call conversation.ToolCall, sctx *SessionContext) Result

func (e *Executor) lookupBuiltin(name string) builtinFunc {
	if name == StatsToolName {
		return e.execSessionStats
	}
	return nil
}

// BuiltinDescriptors returns the descriptors for the built-in tools so they
// are advertised to the model alongside the compiled API operations.
func BuiltinDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:        StatsToolName,
			Description: "Return statistics about the current conversation: message count, total characters and estimated tokens.",
			Method:      http.MethodGet,
			Schema:      reflectSchema(&sessionStatsArgs{}),
		},
	}
}

func (e *Executor) execSessionStats(_ context.Context, call conversation.ToolCall, sctx *SessionContext) Result {
	if sctx == nil || sctx.Stats == nil {
		return Result{ID: call.ID, Name: call.Name, IsError: true,
			Content: "session statistics are not available"}
	}

	var args sessionStatsArgs
	if raw, err := json.Marshal(call.Arguments); err == nil {
		json.Unmarshal(raw, &args)
	}

	stats := sctx.Stats()
	payload := map[string]interface{}{
		"message_count":    stats.MessageCount,
		"total_chars":      stats.TotalChars,
		"estimated_tokens": stats.EstimatedTokens,
	}
	if args.IncludeRoles {
		payload["by_role"] = stats.ByRole
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return Result{ID: call.ID, Name: call.Name, IsError: true,
			Content: fmt.Sprintf("encoding stats: %v", err)}
	}
	return Result{ID: call.ID, Name: call.Name, Content: string(content)}
}

// reflectSchema renders a Go struct into the plain map form the model
// adapters expect.
func reflectSchema(v interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	return out
}
