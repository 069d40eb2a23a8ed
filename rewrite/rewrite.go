// Package rewrite implements request-body model-name substitution: a tenant
// can be pinned to a different upstream model than the one its client asked
// for, via an admin-configured name mapping.
package rewrite

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Mapping is a from-name -> to-name table. Keys may be exact model names or
// glob patterns using the same class of wildcards as the original's
// fnmatch-based matching: "*", "?", and "[seq]"/"[!seq]" character classes.
// Patterns are matched with path/filepath.Match after rewriting fnmatch's
// "[!" negation to Go's "[^"; unlike fnmatch, "*" and "?" do not match "/".
// No library in the example pack offers fnmatch-equivalent matching (see
// DESIGN.md).
type Mapping map[string]string

// Resolve returns the model name to actually send upstream. An exact match
// in the mapping always wins; otherwise each mapping key containing a glob
// metacharacter is tried as a pattern, in map iteration order, and the first
// match wins. If nothing matches, or the mapping is empty, modelName is
// returned unchanged.
func Resolve(mapping Mapping, modelName string) string {
	if len(mapping) == 0 {
		return modelName
	}
	if to, ok := mapping[modelName]; ok {
		return to
	}
	for pattern, to := range mapping {
		if !isGlob(pattern) {
			continue
		}
		if ok, err := filepath.Match(strings.ReplaceAll(pattern, "[!", "[^"), modelName); err == nil && ok {
			return to
		}
	}
	return modelName
}

func isGlob(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}

// toolUseBlock is the subset of an Anthropic content block we need to
// rewrite a tool_use block's name field in place.
type toolUseBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Request returns body with the top-level "model" field, and the "name"
// field of any "tool_use" content block nested under "messages", rewritten
// through the mapping; every other field is kept. It is gated by enabled
// and a non-empty mapping, matching the original's enable_model_swapping +
// model_mapping precondition. A body that isn't a JSON object, or in which
// nothing matches the mapping, is returned unchanged.
func Request(enabled bool, mapping Mapping, body []byte) []byte {
	if !enabled || len(mapping) == 0 || len(body) == 0 {
		return body
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	rewrote := false

	if rawModel, ok := doc["model"]; ok {
		var model string
		if err := json.Unmarshal(rawModel, &model); err == nil {
			if newModel := Resolve(mapping, model); newModel != model {
				encoded, err := json.Marshal(newModel)
				if err == nil {
					doc["model"] = encoded
					rewrote = true
				}
			}
		}
	}

	if rawMessages, ok := doc["messages"]; ok {
		var messages []map[string]json.RawMessage
		if err := json.Unmarshal(rawMessages, &messages); err == nil {
			messagesChanged := false
			for i, m := range messages {
				var blocks []toolUseBlock
				if err := json.Unmarshal(m["content"], &blocks); err != nil {
					continue
				}
				blockChanged := false
				for j, b := range blocks {
					if b.Type != "tool_use" || b.Name == "" {
						continue
					}
					if newName := Resolve(mapping, b.Name); newName != b.Name {
						blocks[j].Name = newName
						blockChanged = true
					}
				}
				if !blockChanged {
					continue
				}
				// Re-encode content preserving the other fields of each
				// block by merging back into the raw array.
				var rawBlocks []json.RawMessage
				if err := json.Unmarshal(m["content"], &rawBlocks); err != nil {
					continue
				}
				for j, b := range blocks {
					if b.Type != "tool_use" {
						continue
					}
					var full map[string]json.RawMessage
					if err := json.Unmarshal(rawBlocks[j], &full); err != nil {
						continue
					}
					encodedName, err := json.Marshal(b.Name)
					if err != nil {
						continue
					}
					full["name"] = encodedName
					reencoded, err := json.Marshal(full)
					if err != nil {
						continue
					}
					rawBlocks[j] = reencoded
				}
				newContent, err := json.Marshal(rawBlocks)
				if err != nil {
					continue
				}
				messages[i]["content"] = newContent
				messagesChanged = true
			}
			if messagesChanged {
				encoded, err := json.Marshal(messages)
				if err == nil {
					doc["messages"] = encoded
					rewrote = true
				}
			}
		}
	}

	if !rewrote {
		return body
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
