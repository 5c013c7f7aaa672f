package starlark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"go.starlark.net/starlark"
)

func decodeInput(data json.RawMessage) (starlark.Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return starlark.None, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}

	return toStarlark(v)
}

func toStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		if bi, ok := new(big.Int).SetString(v.String(), 10); ok {
			return starlark.MakeBigInt(bi), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", v, err)
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	return nil, fmt.Errorf("unsupported JSON type %T", v)
}

func encodeOutput(v starlark.Value) (json.RawMessage, error) {
	gv, err := fromStarlark(v)
	if err != nil {
		return nil, fmt.Errorf("invalid program output: %w", err)
	}
	data, err := json.Marshal(gv)
	if err != nil {
		return nil, fmt.Errorf("could not encode program output: %w", err)
	}
	return data, nil
}

func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return json.Number(v.String()), nil
	case starlark.Float:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("float %v can't be represented in JSON", f)
		}
		return f, nil
	case *starlark.List:
		return iterableToSlice(v)
	case starlark.Tuple:
		return iterableToSlice(v)
	case *starlark.Dict:
		m := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			e, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			m[string(k)] = e
		}
		return m, nil
	}

	return nil, fmt.Errorf("unsupported value type %s", v.Type())
}

func iterableToSlice(v starlark.Indexable) ([]any, error) {
	out := make([]any, 0, v.Len())
	for i := range v.Len() {
		e, err := fromStarlark(v.Index(i))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
