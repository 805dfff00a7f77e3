package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/relay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages  = []byte("mdb")
	bucketHosts     = []byte("fsa_config")
	bucketFetchDirs = []byte("fra_config")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "relay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketHosts, bucketFetchDirs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func jobIDKey(jobID uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, jobID)
	return key
}

// PutMessage upserts an MDB entry keyed by job ID.
func (s *BoltStore) PutMessage(entry *types.MessageCacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(jobIDKey(entry.JobID), data)
	})
}

// GetMessage retrieves an MDB entry by job ID.
func (s *BoltStore) GetMessage(jobID uint32) (*types.MessageCacheEntry, error) {
	var entry types.MessageCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get(jobIDKey(jobID))
		if data == nil {
			return fmt.Errorf("message cache entry not found: job %d", jobID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListMessages returns every MDB entry.
func (s *BoltStore) ListMessages() ([]*types.MessageCacheEntry, error) {
	var entries []*types.MessageCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var entry types.MessageCacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// DeleteMessage removes an MDB entry by job ID.
func (s *BoltStore) DeleteMessage(jobID uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.Delete(jobIDKey(jobID))
	})
}

// PutHost upserts the configured half of an FSA entry, keyed by host alias.
func (s *BoltStore) PutHost(host *types.HostStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return b.Put([]byte(host.HostAlias), data)
	})
}

// GetHost retrieves a host's configured state by alias.
func (s *BoltStore) GetHost(hostAlias string) (*types.HostStatus, error) {
	var host types.HostStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(hostAlias))
		if data == nil {
			return fmt.Errorf("host not found: %s", hostAlias)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// ListHosts returns every configured host.
func (s *BoltStore) ListHosts() ([]*types.HostStatus, error) {
	var hosts []*types.HostStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.HostStatus
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

// DeleteHost removes a host's configured state.
func (s *BoltStore) DeleteHost(hostAlias string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.Delete([]byte(hostAlias))
	})
}

// PutFetchDir upserts the configured half of an FRA entry, keyed by dir alias.
func (s *BoltStore) PutFetchDir(dir *types.FetchDir) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFetchDirs)
		data, err := json.Marshal(dir)
		if err != nil {
			return err
		}
		return b.Put([]byte(dir.DirAlias), data)
	})
}

// GetFetchDir retrieves a retrieve directory's configured state by alias.
func (s *BoltStore) GetFetchDir(dirAlias string) (*types.FetchDir, error) {
	var dir types.FetchDir
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFetchDirs)
		data := b.Get([]byte(dirAlias))
		if data == nil {
			return fmt.Errorf("fetch dir not found: %s", dirAlias)
		}
		return json.Unmarshal(data, &dir)
	})
	if err != nil {
		return nil, err
	}
	return &dir, nil
}

// ListFetchDirs returns every configured retrieve directory.
func (s *BoltStore) ListFetchDirs() ([]*types.FetchDir, error) {
	var dirs []*types.FetchDir
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFetchDirs)
		return b.ForEach(func(k, v []byte) error {
			var dir types.FetchDir
			if err := json.Unmarshal(v, &dir); err != nil {
				return err
			}
			dirs = append(dirs, &dir)
			return nil
		})
	})
	return dirs, err
}

// DeleteFetchDir removes a retrieve directory's configured state.
func (s *BoltStore) DeleteFetchDir(dirAlias string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFetchDirs)
		return b.Delete([]byte(dirAlias))
	})
}
