package provider

import "encoding/json"

// decodeArguments parses a raw tool-call argument string. Unparseable
// arguments degrade to an empty object rather than failing the request.
func decodeArguments(raw string) map[string]interface{} {
	params := map[string]interface{}{}
	if raw == "" {
		return params
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return map[string]interface{}{}
	}
	return params
}
