// Package vectordb provides semantic store implementations for hybridmem
package vectordb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memtensor/hybridmem/pkg/types"
)

// FlattenMetadata converts arbitrary metadata into the scalar string map the
// semantic stores accept. Strings pass through, numbers and booleans are
// formatted, times use RFC3339Nano and lists or maps are JSON encoded.
// Nil values are dropped.
func FlattenMetadata(meta map[string]interface{}) map[string]string {
	out := make(map[string]string, len(meta))
	for key, value := range meta {
		if s, ok := flattenValue(value); ok {
			out[key] = s
		}
	}
	return out
}

func flattenValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case *time.Time:
		if v == nil {
			return "", false
		}
		return v.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return v.String(), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), true
		}
		return string(data), true
	}
}

// ExpandList reverses the list encoding of FlattenMetadata. A value that is
// not a JSON array is read as a comma separated list; blank items are dropped.
func ExpandList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	if strings.HasPrefix(value, "[") {
		var list []interface{}
		if err := json.Unmarshal([]byte(value), &list); err == nil {
			out := make([]string, 0, len(list))
			for _, item := range list {
				if s, ok := flattenValue(item); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EncodeList JSON encodes a string list for storage in metadata
func EncodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

// MatchesFilter reports whether meta satisfies every condition in filter
func MatchesFilter(meta map[string]string, filter types.MetadataFilter) bool {
	for key, want := range filter {
		if got, ok := meta[key]; !ok || got != want {
			return false
		}
	}
	return true
}

func cloneMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
