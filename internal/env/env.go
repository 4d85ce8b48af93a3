package env

import (
	"sort"
	"strings"
)

// Merge applies overrides ("K=V") on top of base ("K=V", typically
// os.Environ()) and returns the result sorted by key. ${VAR} references in
// override values expand against the merged set in a single pass; unknown
// references are left as is. Entries without '=' or with an empty key are
// dropped.
func Merge(base, overrides []string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	set := make(map[string]string, len(overrides))
	for _, kv := range overrides {
		if k, v, ok := split(kv); ok {
			set[k] = v
			m[k] = v
		}
	}
	for k, v := range set {
		m[k] = expand(v, m)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Valid reports whether kv is a usable "K=V" entry.
func Valid(kv string) bool {
	_, _, ok := split(kv)
	return ok
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func expand(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
