package schema

import (
	"context"
	"fmt"
	"reflect"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxRuleSteps bounds a single rule evaluation. Rules run inline on reads,
// so a runaway expression must fail rather than hang the caller.
const maxRuleSteps = 100000

const (
	scopeKey = "simtree.scope"
	argsKey  = "simtree.args"
)

// ruleBuiltins are the functions visible to rule expressions. They read the
// Scope from the evaluating thread.
var ruleBuiltins = starlark.StringDict{
	"struct":   starlarkstruct.Default,
	"value":    starlark.NewBuiltin("value", builtinValue),
	"bounds":   starlark.NewBuiltin("bounds", builtinBounds),
	"allowed":  starlark.NewBuiltin("allowed", builtinAllowed),
	"midpoint": starlark.NewBuiltin("midpoint", builtinMidpoint),
	"arg":      starlark.NewBuiltin("arg", builtinArg),
}

// ExprRule compiles a Starlark expression into a Rule. The expression may
// call value(path), bounds(path=""), allowed(path="") and midpoint(bounds).
func ExprRule(src string, dependsOn []string) (*Rule, error) {
	fn, err := compileExpr(src)
	if err != nil {
		return nil, err
	}
	return &Rule{
		DependsOn: dependsOn,
		Source:    src,
		Eval: func(s Scope) (Value, error) {
			out, err := evalExpr(fn, s)
			if err != nil {
				return nil, err
			}
			return fromStarlarkValue(out)
		},
	}, nil
}

// ExprPredicate compiles a Starlark expression into an availability
// predicate. The result is interpreted by Starlark truthiness.
func ExprPredicate(src string, dependsOn []string) (*Predicate, error) {
	fn, err := compileExpr(src)
	if err != nil {
		return nil, err
	}
	return &Predicate{
		DependsOn: dependsOn,
		Source:    src,
		Eval: func(s Scope) (bool, error) {
			out, err := evalExpr(fn, s)
			if err != nil {
				return false, err
			}
			return bool(out.Truth()), nil
		},
	}, nil
}

// ExprCommand compiles a Starlark expression into a command handler. The
// expression sees the rule builtins plus arg(name), which returns the
// checked argument value.
func ExprCommand(src string) (CommandFunc, error) {
	fn, err := compileExpr(src)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, s Scope, args map[string]Value) (Value, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := evalExpr(fn, s, args)
		if err != nil {
			return nil, err
		}
		return fromStarlarkValue(out)
	}, nil
}

func compileExpr(src string) (*starlark.Function, error) {
	fn, err := starlark.ExprFunc("rule", src, ruleBuiltins)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule %q: %w", src, err)
	}
	return fn, nil
}

func evalExpr(fn *starlark.Function, s Scope, args ...map[string]Value) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name:  "rule",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxRuleSteps)
	thread.SetLocal(scopeKey, s)
	if len(args) > 0 {
		thread.SetLocal(argsKey, args[0])
	}

	out, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}
	return out, nil
}

func scopeOf(thread *starlark.Thread) (Scope, error) {
	s, ok := thread.Local(scopeKey).(Scope)
	if !ok {
		return nil, fmt.Errorf("rule evaluated without a scope")
	}
	return s, nil
}

func builtinValue(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rel string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &rel); err != nil {
		return nil, err
	}
	s, err := scopeOf(thread)
	if err != nil {
		return nil, err
	}
	v, err := s.Value(rel)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

func builtinArg(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	cmdArgs, ok := thread.Local(argsKey).(map[string]Value)
	if !ok {
		return nil, fmt.Errorf("arg: only commands have arguments")
	}
	v, ok := cmdArgs[name]
	if !ok {
		return starlark.None, nil
	}
	return toStarlarkValue(v)
}

func builtinBounds(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	rel := ""
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &rel); err != nil {
		return nil, err
	}
	s, err := scopeOf(thread)
	if err != nil {
		return nil, err
	}
	r, err := s.Range(rel)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return starlark.None, nil
	}
	return starlark.NewList([]starlark.Value{starlark.Float(r.Min), starlark.Float(r.Max)}), nil
}

func builtinAllowed(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	rel := ""
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &rel); err != nil {
		return nil, err
	}
	s, err := scopeOf(thread)
	if err != nil {
		return nil, err
	}
	vals, err := s.AllowedValues(rel)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(vals)
}

func builtinMidpoint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var bounds starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "bounds", &bounds); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(bounds)
	if err != nil {
		return nil, err
	}
	r, err := ToRange(goVal)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return starlark.None, nil
	}
	return starlark.Float(r.Midpoint()), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v Value) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case map[string]Value:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case Range:
		return starlark.NewList([]starlark.Value{starlark.Float(val.Min), starlark.Float(val.Max)}), nil
	}

	if k := reflect.ValueOf(v).Kind(); k != reflect.Slice && k != reflect.Array {
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
	elems := Elements(v)
	list := make([]starlark.Value, len(elems))
	for i, item := range elems {
		sv, err := toStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		list[i] = sv
	}
	return starlark.NewList(list), nil
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]Value, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]Value, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]Value)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]Value)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
