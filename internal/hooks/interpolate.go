package hooks

import (
	"strconv"
	"strings"
)

// interpolate substitutes transition identifiers into every string field
// of the action, including strings nested in payload and params values.
// Placeholders without a binding pass through unchanged.
func interpolate(action Action, hctx Context) Action {
	replacer := strings.NewReplacer(
		"{{workflowId}}", hctx.WorkflowID,
		"{{stageIndex}}", strconv.Itoa(hctx.StageIndex),
		"{{chainId}}", hctx.ChainID,
		"{{taskId}}", hctx.TaskID,
	)

	action.Command = replacer.Replace(action.Command)
	action.TaskID = replacer.Replace(action.TaskID)
	action.Transition = replacer.Replace(action.Transition)
	action.From = replacer.Replace(action.From)
	action.To = replacer.Replace(action.To)
	action.Message = replacer.Replace(action.Message)
	action.Event = replacer.Replace(action.Event)
	action.Prompt = replacer.Replace(action.Prompt)
	action.Role = replacer.Replace(action.Role)
	action.Check = replacer.Replace(action.Check)
	action.Handler = replacer.Replace(action.Handler)
	action.Payload = interpolateMap(action.Payload, replacer)
	action.Params = interpolateMap(action.Params, replacer)

	return action
}

func interpolateMap(m map[string]any, replacer *strings.Replacer) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = interpolateValue(v, replacer)
	}
	return out
}

func interpolateValue(v any, replacer *strings.Replacer) any {
	switch val := v.(type) {
	case string:
		return replacer.Replace(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, replacer)
		}
		return out
	case map[string]any:
		return interpolateMap(val, replacer)
	default:
		return v
	}
}
