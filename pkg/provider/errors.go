package provider

import "strings"

// ErrorClassifier decides whether a provider error matches a capability
// rejection the run loop can recover from. Classification is text-pattern
// matching over provider error strings and inherently heuristic, so the
// loop takes classifiers as pluggable predicates.
type ErrorClassifier func(error) bool

var toolRejectPatterns = []string{
	"does not support tools",
	"does not support tool",
	"tool use is not supported",
	"tools are not supported",
	"tool_use is not supported",
	"function calling is not supported",
	"does not support function calling",
	"no endpoints found that support tool use",
	"invalid parameter: tools",
	"unsupported parameter: tools",
	"\"tools\" is not supported",
}

var imageRejectPatterns = []string{
	"does not support image",
	"image input is not supported",
	"images are not supported",
	"invalid content type: image",
	"does not support vision",
	"vision is not supported",
	"multimodal input is not supported",
	"unsupported content type: image",
}

// ToolUseRejected reports whether the provider rejected the request because
// tools were attached.
func ToolUseRejected(err error) bool {
	return matchesAny(err, toolRejectPatterns)
}

// ImageInputRejected reports whether the provider rejected the request
// because of image content.
func ImageInputRejected(err error) bool {
	return matchesAny(err, imageRejectPatterns)
}

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
