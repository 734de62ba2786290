// Package table implements the named lookup-table backends consumed by the
// expansion engine for virtual-domain and local alias resolution (section
// 4.4/4.5 of the design: "Table/alias/user-info interface"). The engine only
// depends on the Table/MultiTable interfaces below; concrete backends
// (static maps, flat alias files, chains of the two) are adapters the
// surrounding system plugs in, analogous to how maddy's table.* modules are
// swapped in by configuration.
package table

import "context"

// Table answers single-value lookups for a named table.
type Table interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// MultiTable is a Table that can return more than one result per key, which
// is what alias and virtual-domain expansion need (one address fanning out
// to several).
type MultiTable interface {
	Table
	LookupMulti(ctx context.Context, key string) ([]string, error)
}
