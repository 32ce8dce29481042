package condition

import (
	"encoding/json"
	"math/big"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// toCty converts a context value into a cty.Value. Values with no natural
// mapping become a dynamic null.
func toCty(v any) cty.Value {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return val
	case string:
		return cty.StringVal(val)
	case bool:
		return cty.BoolVal(val)
	case int:
		return cty.NumberIntVal(int64(val))
	case int8:
		return cty.NumberIntVal(int64(val))
	case int16:
		return cty.NumberIntVal(int64(val))
	case int32:
		return cty.NumberIntVal(int64(val))
	case int64:
		return cty.NumberIntVal(val)
	case uint:
		return cty.NumberUIntVal(uint64(val))
	case uint8:
		return cty.NumberUIntVal(uint64(val))
	case uint16:
		return cty.NumberUIntVal(uint64(val))
	case uint32:
		return cty.NumberUIntVal(uint64(val))
	case uint64:
		return cty.NumberUIntVal(val)
	case float32:
		return cty.NumberFloatVal(float64(val))
	case float64:
		return cty.NumberFloatVal(val)
	case *big.Int:
		if val == nil {
			return cty.NullVal(cty.Number)
		}
		return cty.NumberVal(new(big.Float).SetInt(val))
	case json.Number:
		if n, err := cty.ParseNumberVal(val.String()); err == nil {
			return n
		}
		return cty.StringVal(val.String())
	case []any:
		if len(val) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(val))
		for i, e := range val {
			elems[i] = toCty(e)
		}
		return cty.TupleVal(elems)
	case []string:
		if len(val) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(val))
		for i, e := range val {
			elems[i] = cty.StringVal(e)
		}
		return cty.TupleVal(elems)
	case map[string]any:
		return objectVal(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return objectVal(m)
	}

	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	out, err := gocty.ToCtyValue(v, ty)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	return out
}

func objectVal(m map[string]any) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = toCty(v)
	}
	return cty.ObjectVal(attrs)
}
