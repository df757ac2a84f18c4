// Package structured implements deterministic sanitization and deep-merging of
// the free-form JSON attribute bags carried by world cards.
//
// Values are expected in the shapes produced by encoding/json unmarshalling
// into any: map[string]any, []any, string, float64, bool, and nil. Other Go
// types pass through untouched.
//
// All functions are pure: inputs are never mutated, and the same inputs always
// produce the same output. This matters because Merge underlies card upserts —
// two racing upserts must converge on equivalent bags regardless of which
// replica sanitized first.
package structured

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Sanitize returns a normalised copy of v:
//
//   - strings are whitespace-trimmed
//   - arrays are sanitized element-wise, then deduplicated by [CanonicalKey]
//     (first occurrence wins, so first-seen casing is preserved)
//   - objects are sanitized value-wise
//   - all other values are returned as-is
func Sanitize(v any) any {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)

	case []any:
		out := make([]any, 0, len(val))
		seen := make(map[string]struct{}, len(val))
		for _, elem := range val {
			clean := Sanitize(elem)
			key := CanonicalKey(clean)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, clean)
		}
		return out

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Sanitize(elem)
		}
		return out

	default:
		return v
	}
}

// Merge deep-merges source into target and returns the result:
//
//   - array + array: concatenate, then sanitize (which dedupes)
//   - object + object: per-key — present in both recurses, present in one is
//     sanitized and kept
//   - anything else: source wins when non-nil, otherwise target is kept
//
// Merging a scalar over an object (or vice versa) is deliberately not
// type-checked: the source side overwrites. Neither input is mutated.
func Merge(target, source any) any {
	tArr, tIsArr := target.([]any)
	sArr, sIsArr := source.([]any)
	if tIsArr && sIsArr {
		combined := make([]any, 0, len(tArr)+len(sArr))
		combined = append(combined, tArr...)
		combined = append(combined, sArr...)
		return Sanitize(combined)
	}

	tObj, tIsObj := target.(map[string]any)
	sObj, sIsObj := source.(map[string]any)
	if tIsObj && sIsObj {
		out := make(map[string]any, len(tObj)+len(sObj))
		for k, tv := range tObj {
			if sv, ok := sObj[k]; ok {
				out[k] = Merge(tv, sv)
			} else {
				out[k] = Sanitize(tv)
			}
		}
		for k, sv := range sObj {
			if _, ok := tObj[k]; !ok {
				out[k] = Sanitize(sv)
			}
		}
		return out
	}

	if source != nil {
		return Sanitize(source)
	}
	return Sanitize(target)
}

// MergeMaps is a convenience wrapper over [Merge] for the common case of two
// attribute bags. A nil result from Merge (both inputs nil) yields an empty map.
func MergeMaps(target, source map[string]any) map[string]any {
	merged, ok := Merge(anyMap(target), anyMap(source)).(map[string]any)
	if !ok || merged == nil {
		return map[string]any{}
	}
	return merged
}

// anyMap widens a possibly-nil map so Merge sees nil rather than a typed nil.
func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// Prune returns a copy of m with empty values removed, recursively: empty
// strings, nils, and empty arrays and objects (including objects that become
// empty once their own values are pruned). Merge can only ever add keys, so
// this is the one path by which a bag sheds dead weight.
func Prune(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if pv, keep := pruneValue(v); keep {
			out[k] = pv
		}
	}
	return out
}

func pruneValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, val != ""
	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if pv, keep := pruneValue(elem); keep {
				out = append(out, pv)
			}
		}
		return out, len(out) > 0
	case map[string]any:
		out := Prune(val)
		return out, len(out) > 0
	default:
		return v, true
	}
}

// CanonicalKey returns a stable, content-based identity string for v, used to
// deduplicate array elements:
//
//   - strings compare case-insensitively with runs of whitespace collapsed
//     ("  The  Witch " and "the witch" share a key)
//   - objects and arrays are rendered as JSON with object keys sorted, so
//     structurally equal values share a key regardless of map iteration order
//   - other scalars use their JSON rendering
func CanonicalKey(v any) string {
	switch val := v.(type) {
	case string:
		return "s:" + strings.ToLower(strings.Join(strings.Fields(val), " "))
	case map[string]any, []any:
		var sb strings.Builder
		writeCanonical(&sb, val)
		return "j:" + sb.String()
	case nil:
		return "null"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("v:%v", val)
		}
		return "j:" + string(b)
	}
}

// writeCanonical renders v as JSON with sorted object keys.
func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')

	case []any:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, elem)
		}
		sb.WriteByte(']')

	default:
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(sb, "%q", fmt.Sprintf("%v", val))
			return
		}
		sb.Write(b)
	}
}
