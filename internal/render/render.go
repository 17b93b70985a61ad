// Package render executes mugo templates for the two places the brain
// substitutes values into user-supplied text: personality files (agent
// name) and script-mode task-pod recipes (toolbox/goal).
package render

import (
	"bytes"
	"log/slog"

	"github.com/rytsh/mugo/fstore"
	_ "github.com/rytsh/mugo/fstore/registry"
	"github.com/rytsh/mugo/templatex"
)

// Execute renders content with data. The fstore function map runs
// untrusted: personality files and recipes are operator-editable text, so
// the trusted functions (file and process access) stay unavailable to
// them.
func Execute(content string, data map[string]any) (string, error) {
	tpl := templatex.New(
		templatex.WithAddFuncMapWithOpts(func(o templatex.Option) map[string]any {
			return fstore.FuncMap(
				fstore.WithLog(slog.Default()),
				fstore.WithExecuteTemplate(o.T),
			)
		}),
	)

	var buf bytes.Buffer
	if err := tpl.Execute(
		templatex.WithIO(&buf),
		templatex.WithContent(content),
		templatex.WithData(data),
	); err != nil {
		return "", err
	}

	return buf.String(), nil
}
