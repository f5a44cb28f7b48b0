package sourcing

// DeepMerge is the default reducer: a recursive merge where map values
// merge key-wise and every other value, sequences included, is
// replaced by the event's value. Neither argument is mutated; the
// result shares unmodified substructure with its inputs.
func DeepMerge(state, data map[string]any) map[string]any {
	if data == nil {
		return state
	}
	out := make(map[string]any, len(state)+len(data))
	for k, v := range state {
		out[k] = v
	}
	for k, v := range data {
		if prev, ok := out[k].(map[string]any); ok {
			if next, ok := v.(map[string]any); ok {
				out[k] = DeepMerge(prev, next)
				continue
			}
		}
		out[k] = v
	}
	return out
}
