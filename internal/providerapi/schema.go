package providerapi

import "encoding/json"

// SanitizeStrictSchema rewrites a JSON-schema tool-parameter object so it is
// accepted by "strict mode" providers:
//
//   - every object reached through "properties" or array "items" gets
//     "additionalProperties": false
//   - every property name is added to "required"
//   - properties not already required become nullable (type gains "null")
//   - a top-level anyOf/allOf/oneOf is removed
//   - a nested oneOf is collapsed to its first alternative
//
// The input is treated as already-valid JSON Schema; malformed input is
// returned unchanged.
func SanitizeStrictSchema(schema json.RawMessage) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return schema
	}
	sanitizeNode(doc, true)
	out, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return out
}

func sanitizeNode(node map[string]any, top bool) {
	if top {
		delete(node, "anyOf")
		delete(node, "allOf")
		delete(node, "oneOf")
	} else if alts, ok := node["oneOf"].([]any); ok && len(alts) > 0 {
		if first, ok := alts[0].(map[string]any); ok {
			for k := range node {
				delete(node, k)
			}
			for k, v := range first {
				node[k] = v
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		sanitizeNode(items, false)
	}

	typ, _ := node["type"].(string)
	if typ != "object" {
		if props, ok := node["properties"].(map[string]any); ok {
			sanitizeProperties(props, nil)
		}
		return
	}

	props, _ := node["properties"].(map[string]any)
	existingReq := stringSet(node["required"])

	allNames := make([]string, 0, len(props))
	for name := range props {
		allNames = append(allNames, name)
	}

	for _, name := range allNames {
		propVal := props[name]
		propMap, _ := propVal.(map[string]any)
		if propMap == nil {
			continue
		}
		sanitizeNode(propMap, false)
		if !existingReq[name] {
			makeNullable(propMap)
		}
	}

	node["additionalProperties"] = false
	node["required"] = allNames
}

func sanitizeProperties(props map[string]any, _ []string) {
	for _, v := range props {
		if m, ok := v.(map[string]any); ok {
			sanitizeNode(m, false)
		}
	}
}

func makeNullable(prop map[string]any) {
	switch t := prop["type"].(type) {
	case string:
		if t != "null" {
			prop["type"] = []any{t, "null"}
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s == "null" {
				return
			}
		}
		prop["type"] = append(t, "null")
	}
}

func stringSet(v any) map[string]bool {
	out := map[string]bool{}
	arr, _ := v.([]any)
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out[s] = true
		}
	}
	return out
}
