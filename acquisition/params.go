package acquisition

import "sort"

// FrameParameters is the opaque key/value configuration of one acquisition.
type FrameParameters map[string]interface{}

// Clone copies the parameter map. Nested maps and slices are copied as well.
func (p FrameParameters) Clone() FrameParameters {
	if p == nil {
		return nil
	}
	out := make(FrameParameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the sorted parameter names.
func (p FrameParameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, inner := range typed {
			out[k] = cloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, inner := range typed {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// merge overlays the keys of overlay onto a copy of base.
func merge(base, overlay FrameParameters) FrameParameters {
	out := base.Clone()
	if out == nil {
		out = make(FrameParameters, len(overlay))
	}
	for k, v := range overlay {
		out[k] = cloneValue(v)
	}
	return out
}
