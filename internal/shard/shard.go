// Package shard provides shard key generation for the global timeline partition.
package shard

import (
	"fmt"
	"hash/fnv"
)

// TimelinePK computes the sharded partition key for a timeline record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are distributed across shards based on the
// image id hash, so a record's write and delete land on the same shard.
func TimelinePK(imageID string, numShards int) string {
	if numShards <= 1 {
		return "timeline#00"
	}
	h := fnv.New32a()
	h.Write([]byte(imageID))
	return fmt.Sprintf("timeline#%02x", h.Sum32()%uint32(numShards))
}

// TimelinePKs returns every timeline partition key, for fan-out reads.
func TimelinePKs(numShards int) []string {
	if numShards <= 1 {
		return []string{"timeline#00"}
	}
	pks := make([]string, numShards)
	for i := 0; i < numShards; i++ {
		pks[i] = fmt.Sprintf("timeline#%02x", i)
	}
	return pks
}
