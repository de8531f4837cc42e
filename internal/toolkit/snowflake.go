package toolkit

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

var snowNode *snowflake.Node

func init() {
	nodeID := int64(0)
	if v := os.Getenv("MARGIN_NODE_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	var err error
	snowNode, err = snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
}

// UniqueID returns a run-scoped identifier used to prefix portfolio names so
// two retrieval sources can use the same entity name without colliding.
func UniqueID() string {
	return fmt.Sprintf("%d", snowNode.Generate())
}
