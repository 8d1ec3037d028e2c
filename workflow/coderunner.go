package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"
)

// CodeRunner executes workflow code snippets inside an embedded JavaScript
// VM. The VM has no host bindings, so a snippet can touch nothing but the
// params it is handed; long-running scripts are interrupted after a timeout.
//
// A snippet's only permitted top-level construct is a single function
// main(params); the AST is inspected before anything runs.
type CodeRunner struct {
	timeout time.Duration
	logger  *zap.Logger
}

var (
	ErrNotSingleFunction = errors.New("code must contain exactly one top-level function")
	ErrNotMainFunction   = errors.New("code's function must be named main")
	ErrBadParams         = errors.New("main must take exactly one parameter named params")
	ErrNotDict           = errors.New("main must return a dict")
)

func NewCodeRunner(timeout time.Duration, logger *zap.Logger) *CodeRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeRunner{
		timeout: timeout,
		logger:  logger.With(zap.String("component", "code_runner")),
	}
}

// Validate inspects the snippet's AST without executing it.
func (r *CodeRunner) Validate(source string) error {
	prog, err := parser.ParseFile(nil, "snippet.js", source, 0)
	if err != nil {
		return fmt.Errorf("parse code: %w", err)
	}
	if len(prog.Body) != 1 {
		return ErrNotSingleFunction
	}
	decl, ok := prog.Body[0].(*ast.FunctionDeclaration)
	if !ok {
		return ErrNotSingleFunction
	}
	fn := decl.Function
	if fn.Name == nil || string(fn.Name.Name) != "main" {
		return ErrNotMainFunction
	}
	params := fn.ParameterList.List
	if len(params) != 1 {
		return ErrBadParams
	}
	id, ok := params[0].Target.(*ast.Identifier)
	if !ok || string(id.Name) != "params" {
		return ErrBadParams
	}
	return nil
}

// Run validates and executes the snippet, calling main(params) and returning
// its dict result.
func (r *CodeRunner) Run(source string, params map[string]any) (map[string]any, error) {
	if err := r.Validate(source); err != nil {
		return nil, err
	}

	vm := goja.New()
	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("code execution timed out")
	})
	defer timer.Stop()

	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}

	mainFn, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, ErrNotMainFunction
	}

	result, err := mainFn(goja.Undefined(), vm.ToValue(params))
	if err != nil {
		return nil, fmt.Errorf("run code: %w", err)
	}

	exported := result.Export()
	dict, ok := exported.(map[string]any)
	if !ok {
		return nil, ErrNotDict
	}
	return dict, nil
}
