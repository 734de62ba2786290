package table

import "context"

// Chain resolves a key by feeding it through a sequence of tables, each
// step's output (possibly several values) becoming the next step's input
// set. An optional step that misses simply passes its input through instead
// of failing the whole chain. This is the same fan-out-then-refine shape
// maddy's table.chain module uses to let one rule reference, e.g., a
// case-folding step followed by a static alias map.
type Chain struct {
	steps    []MultiTable
	optional []bool
}

func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) Add(step MultiTable, optional bool) *Chain {
	c.steps = append(c.steps, step)
	c.optional = append(c.optional, optional)
	return c
}

func (c *Chain) Lookup(ctx context.Context, key string) (string, bool, error) {
	vals, err := c.LookupMulti(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func (c *Chain) LookupMulti(ctx context.Context, key string) ([]string, error) {
	result := []string{key}
	for i, step := range c.steps {
		var next []string
		for _, k := range result {
			vals, err := step.LookupMulti(ctx, k)
			if err != nil {
				return nil, err
			}
			if len(vals) == 0 {
				if c.optional[i] {
					next = append(next, k)
					continue
				}
				return nil, nil
			}
			next = append(next, vals...)
		}
		result = next
	}
	return result, nil
}
