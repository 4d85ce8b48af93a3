package daemon

import "sort"

// Gate refuses automatic deploys of ranges that touch dangerous files:
// files whose cross-version change needs a human.
type Gate struct {
	files map[string]struct{}
}

func NewGate(dangerous []string) Gate {
	g := Gate{files: make(map[string]struct{}, len(dangerous))}
	for _, f := range dangerous {
		if f != "" {
			g.files[f] = struct{}{}
		}
	}
	return g
}

// Dangerous returns the sorted dangerous paths present in affected.
func (g Gate) Dangerous(affected map[string]struct{}) []string {
	var out []string
	for f := range affected {
		if _, ok := g.files[f]; ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
