package tool

import (
	"context"
	"fmt"

	"github.com/xraph/loom/vars"
)

// Echo returns its input unchanged: the sole parameter's value when
// exactly one parameter is given, otherwise the whole parameter map.
// Useful for wiring tests and for workflows that only shuttle data
// between nodes.
func Echo() Tool {
	return &Func{
		ToolName: "echo",
		Desc:     "Returns its input parameters unchanged.",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			if len(params) == 1 {
				for _, v := range params {
					return v, nil
				}
			}
			return params, nil
		},
	}
}

// Template renders the "template" parameter against the "values" map
// using ${path} placeholders and returns the rendered value.
func Template() Tool {
	return &Func{
		ToolName: "template",
		Desc:     "Renders a ${path} template against a values map.",
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			tmpl, ok := params["template"].(string)
			if !ok {
				return nil, fmt.Errorf("missing string parameter %q", "template")
			}
			values, _ := params["values"].(map[string]any)
			return vars.ResolveString(tmpl, vars.NewScope(values))
		},
	}
}
