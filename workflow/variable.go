package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// VariableType is the declared type of a node input or output variable.
type VariableType string

const (
	TypeString      VariableType = "string"
	TypeInt         VariableType = "int"
	TypeFloat       VariableType = "float"
	TypeBool        VariableType = "boolean"
	TypeListString  VariableType = "list[string]"
	TypeListInt     VariableType = "list[int]"
	TypeListFloat   VariableType = "list[float]"
	TypeListBool    VariableType = "list[boolean]"
)

// ValueKind discriminates how a variable's value is produced.
type ValueKind string

const (
	// ValueLiteral carries inline content.
	ValueLiteral ValueKind = "literal"
	// ValueRef points at a predecessor node's output.
	ValueRef ValueKind = "ref"
	// ValueGenerated is filled by the system at run time.
	ValueGenerated ValueKind = "generated"
)

// Value is the discriminated union behind a Variable.
type Value struct {
	Kind       ValueKind `json:"kind"`
	Content    any       `json:"content,omitempty"`
	RefNodeID  string    `json:"ref_node_id,omitempty"`
	RefVarName string    `json:"ref_var_name,omitempty"`
}

// Variable is a typed, named value flowing into or out of a node.
type Variable struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Required    bool              `json:"required"`
	Type        VariableType      `json:"type"`
	Value       Value             `json:"value"`
	Meta        map[string]string `json:"meta,omitempty"`
}

var variableNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

const maxDescriptionLen = 1024

func (v *Variable) validate() error {
	if !variableNameRegexp.MatchString(v.Name) {
		return newValidationError("", fmt.Sprintf("invalid variable name %q", v.Name))
	}
	if len(v.Description) > maxDescriptionLen {
		return newValidationError("", fmt.Sprintf("variable %q description exceeds %d characters", v.Name, maxDescriptionLen))
	}
	switch v.Type {
	case TypeString, TypeInt, TypeFloat, TypeBool,
		TypeListString, TypeListInt, TypeListFloat, TypeListBool:
	default:
		return newValidationError("", fmt.Sprintf("variable %q has unknown type %q", v.Name, v.Type))
	}
	return nil
}

// zeroValue returns the fallback value for a variable type.
func zeroValue(t VariableType) any {
	switch t {
	case TypeString:
		return ""
	case TypeInt:
		return 0
	case TypeFloat:
		return 0.0
	case TypeBool:
		return false
	case TypeListString:
		return []string{}
	case TypeListInt:
		return []int{}
	case TypeListFloat:
		return []float64{}
	case TypeListBool:
		return []bool{}
	default:
		return nil
	}
}

// coerceValue converts v to the representation of t, mirroring the loose
// constructor-style coercion of the persisted graph format.
func coerceValue(t VariableType, v any) (any, error) {
	if v == nil {
		return zeroValue(t), nil
	}
	switch t {
	case TypeString:
		return toString(v), nil
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeListString:
		return coerceList(v, func(e any) (string, error) { return toString(e), nil })
	case TypeListInt:
		return coerceList(v, toInt)
	case TypeListFloat:
		return coerceList(v, toFloat)
	case TypeListBool:
		return coerceList(v, toBool)
	default:
		return nil, fmt.Errorf("unknown variable type %q", t)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to int", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to int", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to float", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to float", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("cannot coerce %q to boolean", x)
		}
		return b, nil
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	default:
		return false, fmt.Errorf("cannot coerce %T to boolean", v)
	}
}

func coerceList[T any](v any, conv func(any) (T, error)) ([]T, error) {
	items, ok := v.([]any)
	if !ok {
		// A typed slice may already be in place when state was produced
		// in-process rather than decoded from JSON.
		if typed, ok := v.([]T); ok {
			out := make([]T, len(typed))
			copy(out, typed)
			return out, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to list", v)
	}
	out := make([]T, 0, len(items))
	for _, e := range items {
		c, err := conv(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Resolver resolves a node's declared variables against accumulated state.
type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "variable_resolver"))}
}

// Resolve produces a name → typed value map for vars. Unresolved references
// fall back to the type's zero value rather than erroring; static validation
// already proved the reference shape, so a missing value at run time means
// the referenced node produced less than it declared. The fallback keeps the
// run alive and is logged at Warn.
func (r *Resolver) Resolve(vars []Variable, st *State) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		switch v.Value.Kind {
		case ValueLiteral:
			c, err := coerceValue(v.Type, v.Value.Content)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", v.Name, err)
			}
			out[v.Name] = c
		case ValueRef, ValueGenerated:
			raw, found := st.lookupOutput(v.Value.RefNodeID, v.Value.RefVarName)
			if !found {
				r.logger.Warn("unresolved variable reference, using zero value",
					zap.String("variable", v.Name),
					zap.String("ref_node_id", v.Value.RefNodeID),
					zap.String("ref_var_name", v.Value.RefVarName),
				)
				out[v.Name] = zeroValue(v.Type)
				continue
			}
			c, err := coerceValue(v.Type, raw)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", v.Name, err)
			}
			out[v.Name] = c
		default:
			return nil, fmt.Errorf("variable %q has unknown value kind %q", v.Name, v.Value.Kind)
		}
	}
	return out, nil
}
