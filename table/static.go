package table

import "context"

// Static is an in-memory table, the in-process equivalent of maddy's
// table.static module. It is the backend used by tests and by any rule that
// embeds its alias/virtual-domain map directly rather than pointing at a
// file.
type Static struct {
	m map[string][]string
}

func NewStatic(entries map[string][]string) *Static {
	m := make(map[string][]string, len(entries))
	for k, v := range entries {
		m[k] = append([]string(nil), v...)
	}
	return &Static{m: m}
}

func (s *Static) Lookup(_ context.Context, key string) (string, bool, error) {
	val := s.m[key]
	if len(val) == 0 {
		return "", false, nil
	}
	return val[0], true, nil
}

func (s *Static) LookupMulti(_ context.Context, key string) ([]string, error) {
	return s.m[key], nil
}
