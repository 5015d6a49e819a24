package bpmn

import (
	"hash/fnv"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	idGeneratorOnce sync.Once
	idGenerator     *snowflake.Node
)

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// sharedIdGenerator returns the process-wide snowflake node. The node id
// is derived from the environment so two engines on the same host tend
// to get distinct id spaces.
func sharedIdGenerator() *snowflake.Node {
	idGeneratorOnce.Do(func() {
		seed := fnv.New32a()
		seed.Write([]byte(os.Getenv("HOSTNAME")))
		for _, e := range os.Environ() {
			seed.Write([]byte(e))
		}
		node, err := snowflake.NewNode(int64(seed.Sum32()) % 1024)
		if err != nil {
			panic("snowflake id generator init failed: " + err.Error())
		}
		idGenerator = node
	})
	return idGenerator
}
