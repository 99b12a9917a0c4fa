// Package tracking issues unique, sortable tracking codes for ledger rows.
package tracking

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

type Generator struct {
	node *snowflake.Node
}

func NewGenerator() (*Generator, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	return &Generator{node: node}, nil
}

// Next returns a new tracking code. Codes are unique per process and
// ordered by issue time.
func (g *Generator) Next() string {
	return g.node.Generate().String()
}

var Module = fx.Module("tracking",
	fx.Provide(NewGenerator),
)
