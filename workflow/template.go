package workflow

import (
	"fmt"
	"sync"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
)

var (
	jinjaOnce    sync.Once
	jinjaEnv     *gonja.Environment
	jinjaInitErr error
)

// disabledKeywords are Jinja statements that reach the filesystem or other
// templates; persisted workflow templates get values only.
var disabledKeywords = []string{"include", "extends", "import", "from"}

func templateEnv() (*gonja.Environment, error) {
	jinjaOnce.Do(func() {
		jinjaEnv = gonja.NewEnvironment(config.DefaultConfig, gonja.DefaultLoader)
		for _, kw := range disabledKeywords {
			keyword := kw
			if !jinjaEnv.Statements.Exists(keyword) {
				continue
			}
			err := jinjaEnv.Statements.Replace(keyword, func(p *parser.Parser, args *parser.Parser) (nodes.Statement, error) {
				return nil, fmt.Errorf("keyword[%s] has been disabled", keyword)
			})
			if err != nil {
				jinjaInitErr = fmt.Errorf("init template env: %w", err)
				return
			}
		}
	})
	return jinjaEnv, jinjaInitErr
}

// renderTemplate renders a Jinja-style template ({{ var }}) against resolved
// variable values. Persisted prompts and templates use this dialect.
func renderTemplate(source string, values map[string]any) (string, error) {
	env, err := templateEnv()
	if err != nil {
		return "", err
	}
	tpl, err := env.FromString(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.Execute(values)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
