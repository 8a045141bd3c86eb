package thread

import (
	"fmt"
	"strings"

	"goa.design/flume/model"
)

// CostAndUsage is a named node in the cost ledger tree. Leaves record one
// model run; interior nodes aggregate their children. Aggregation is
// value-based: totals are recomputed fresh on every request by summing
// children, never incrementally mutated, so a report is always consistent
// with the latest recorded runs.
type CostAndUsage struct {
	// Name labels the node: a model name for run leaves, a thread or session
	// identifier for interior nodes.
	Name string
	// Usage is the node's own token counts. Zero for interior nodes.
	Usage model.CompletionUsage
	// CostUSD is the node's own monetary cost. Zero for interior nodes.
	CostUSD float64
	// Children are the aggregated sub-ledgers.
	Children []CostAndUsage
}

// Aggregate returns a fresh node summing this node's own values with the
// recursive totals of all children.
func (c CostAndUsage) Aggregate() CostAndUsage {
	total := CostAndUsage{
		Name:     c.Name,
		Usage:    c.Usage,
		CostUSD:  c.CostUSD,
		Children: c.Children,
	}
	for _, child := range c.Children {
		agg := child.Aggregate()
		total.Usage = total.Usage.Add(agg.Usage)
		total.CostUSD += agg.CostUSD
	}
	return total
}

// String renders the aggregated ledger as an indented tree.
func (c CostAndUsage) String() string {
	var b strings.Builder
	c.write(&b, 0)
	return b.String()
}

func (c CostAndUsage) write(b *strings.Builder, depth int) {
	agg := c.Aggregate()
	fmt.Fprintf(b, "%s%s: %d prompt + %d completion tokens, $%.6f\n",
		strings.Repeat("  ", depth), c.Name,
		agg.Usage.PromptTokens, agg.Usage.CompletionTokens, agg.CostUSD)
	for _, child := range c.Children {
		child.write(b, depth+1)
	}
}
