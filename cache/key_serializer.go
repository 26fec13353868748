package cache

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// namespacedKeySerializer prefixes every key with a normalized namespace so
// several resources can share one cache backend and be invalidated by prefix.
type namespacedKeySerializer struct {
	namespace string
}

// NewKeySerializer returns a KeySerializer that scopes keys under namespace.
// An empty namespace produces unscoped keys.
func NewKeySerializer(namespace string) KeySerializer {
	return &namespacedKeySerializer{namespace: NormalizeNamespace(namespace)}
}

// NewDefaultKeySerializer returns an unscoped serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &namespacedKeySerializer{}
}

// SerializeKey joins the namespace, kind and args with KeySeparator.
func (s *namespacedKeySerializer) SerializeKey(kind string, args ...any) string {
	parts := make([]string, 0, len(args)+2)
	if s.namespace != "" {
		parts = append(parts, s.namespace)
	}
	parts = append(parts, kind)
	for _, arg := range args {
		parts = append(parts, serializeArg(arg))
	}
	return strings.Join(parts, KeySeparator)
}

// Prefix returns the key prefix shared by every key of kind.
func (s *namespacedKeySerializer) Prefix(kind string) string {
	return s.SerializeKey(kind) + KeySeparator
}

func serializeArg(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", t)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("fallback:%T", v)
	}
	return "json:" + string(data)
}
