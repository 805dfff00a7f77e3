package storage

import (
	"github.com/cuemby/relay/pkg/types"
)

// Store defines the interface for durable state backing the file
// distributor core. It holds the pieces of the data model (§3) that must
// survive a restart: the message-descriptor cache (MDB) and the
// configured, as opposed to runtime-mutated, halves of the host status
// array (FSA) and retrieve-directory array (FRA). The runtime halves
// (error counters, active transfer counts, job_status slots, queue
// positions) live only in pkg/regions and are rebuilt from this store plus
// the config file on startup.
type Store interface {
	// Message cache (MDB)
	PutMessage(entry *types.MessageCacheEntry) error
	GetMessage(jobID uint32) (*types.MessageCacheEntry, error)
	ListMessages() ([]*types.MessageCacheEntry, error)
	DeleteMessage(jobID uint32) error

	// Host status seed (FSA)
	PutHost(host *types.HostStatus) error
	GetHost(hostAlias string) (*types.HostStatus, error)
	ListHosts() ([]*types.HostStatus, error)
	DeleteHost(hostAlias string) error

	// Retrieve directory seed (FRA)
	PutFetchDir(dir *types.FetchDir) error
	GetFetchDir(dirAlias string) (*types.FetchDir, error)
	ListFetchDirs() ([]*types.FetchDir, error)
	DeleteFetchDir(dirAlias string) error

	Close() error
}
