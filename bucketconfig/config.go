// Package bucketconfig fetches and watches a bucket's cluster topology: the
// node list, the vBucket-to-node map, and the monotonically increasing
// revision pair a Conductor needs to know which node currently masters each
// partition.
package bucketconfig

import (
	"fmt"

	"github.com/pkg/errors"
)

// nodeJSON is one entry of a terse bucket config's nodesExt array.
type nodeJSON struct {
	Hostname string         `json:"hostname,omitempty"`
	Services map[string]int `json:"services,omitempty"`
	ThisNode bool           `json:"thisNode,omitempty"`
}

// vbucketServerMapJSON is the vBucketServerMap member of a terse bucket
// config.
type vbucketServerMapJSON struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap,omitempty"`
}

// terseConfigJSON is the subset of Couchbase's terse bucket config JSON
// (`/pools/default/b/<bucket>` and the bucketsStreaming variant) this
// package needs.
type terseConfigJSON struct {
	Rev              int                    `json:"rev,omitempty"`
	RevEpoch         int                    `json:"revEpoch,omitempty"`
	Name             string                 `json:"name,omitempty"`
	UUID             string                 `json:"uuid,omitempty"`
	NodesExt         []nodeJSON             `json:"nodesExt,omitempty"`
	VBucketServerMap *vbucketServerMapJSON  `json:"vBucketServerMap,omitempty"`
}

// Revision is the (epoch, rev) pair Couchbase's terse config carries. A
// config is newer than another when its Epoch is greater, or equal and its
// Rev is greater — mirroring ns_server's own ordering of rev/revEpoch.
type Revision struct {
	Epoch int
	Rev   int
}

// After reports whether r is strictly newer than other.
func (r Revision) After(other Revision) bool {
	if r.Epoch != other.Epoch {
		return r.Epoch > other.Epoch
	}
	return r.Rev > other.Rev
}

// Node is one data node's KV service endpoints.
type Node struct {
	Host       string
	KVPort     int
	KVSSLPort  int
}

// Address returns host:port for the plaintext KV port, or host:sslport when
// tls is true.
func (n Node) Address(tls bool) string {
	if tls {
		return fmt.Sprintf("%s:%d", n.Host, n.KVSSLPort)
	}
	return fmt.Sprintf("%s:%d", n.Host, n.KVPort)
}

// Config is the parsed bucket topology: the node list and the
// partition-to-node map, keyed by revision.
type Config struct {
	Revision      Revision
	BucketName    string
	BucketUUID    string
	NumPartitions int
	Nodes         []Node

	// VBucketMap[partition] is the ordered list of node indices replicating
	// that partition; index 0 is the current master.
	VBucketMap [][]int
}

// ErrNoMaster is returned by MasterOf when a partition has no assigned
// master in the current config, a transient state during a rebalance.
var ErrNoMaster = errors.New("bucketconfig: partition has no assigned master")

// MasterOf returns the node index mastering partition, per the vBucket map's
// replica-0 slot.
func (c *Config) MasterOf(partition int) (int, error) {
	if partition < 0 || partition >= len(c.VBucketMap) {
		return 0, errors.Errorf("bucketconfig: partition %d out of range", partition)
	}

	replicas := c.VBucketMap[partition]
	if len(replicas) == 0 || replicas[0] < 0 {
		return 0, ErrNoMaster
	}

	return replicas[0], nil
}

// parseTerseConfig converts the wire JSON into a Config.
func parseTerseConfig(raw *terseConfigJSON, bucketName string) (*Config, error) {
	if raw.VBucketServerMap == nil {
		return nil, errors.New("bucketconfig: terse config missing vBucketServerMap")
	}

	nodes := make([]Node, len(raw.NodesExt))
	for i, n := range raw.NodesExt {
		nodes[i] = Node{
			Host:      n.Hostname,
			KVPort:    n.Services["kv"],
			KVSSLPort: n.Services["kvSSL"],
		}
	}

	return &Config{
		Revision:      Revision{Epoch: raw.RevEpoch, Rev: raw.Rev},
		BucketName:    bucketName,
		BucketUUID:    raw.UUID,
		NumPartitions: len(raw.VBucketServerMap.VBucketMap),
		Nodes:         nodes,
		VBucketMap:    raw.VBucketServerMap.VBucketMap,
	}, nil
}
