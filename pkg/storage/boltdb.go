package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/gatehouse/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRoutes       = []byte("routes")
	bucketCertificates = []byte("certificates")
	bucketACMEAccount  = []byte("acme_account")

	keyACMEAccount = []byte("account")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gatehouse.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRoutes,
			bucketCertificates,
			bucketACMEAccount,
		}

		for _, bucket := range buckets {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func routeKey(host, pathPrefix string) []byte {
	return []byte(host + "|" + pathPrefix)
}

// Route operations

func (s *BoltStore) SaveRoute(route *types.Route) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		data, err := json.Marshal(route)
		if err != nil {
			return err
		}
		return b.Put(routeKey(route.Host, route.PathPrefix), data)
	})
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			routes = append(routes, &route)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) DeleteRoute(host, pathPrefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		return b.Delete(routeKey(host, pathPrefix))
	})
}

// Certificate assignment operations

func (s *BoltStore) SaveAssignment(assignment *types.CertificateAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		data, err := json.Marshal(assignment)
		if err != nil {
			return err
		}
		return b.Put([]byte(assignment.Host), data)
	})
}

func (s *BoltStore) ListAssignments() ([]*types.CertificateAssignment, error) {
	var assignments []*types.CertificateAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.ForEach(func(k, v []byte) error {
			var assignment types.CertificateAssignment
			if err := json.Unmarshal(v, &assignment); err != nil {
				return err
			}
			assignments = append(assignments, &assignment)
			return nil
		})
	})
	return assignments, err
}

func (s *BoltStore) DeleteAssignment(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		return b.Delete([]byte(host))
	})
}

// ACME account operations

func (s *BoltStore) SaveACMEAccount(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketACMEAccount)
		return b.Put(keyACMEAccount, data)
	})
}

func (s *BoltStore) GetACMEAccount() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketACMEAccount)
		v := b.Get(keyACMEAccount)
		if v == nil {
			return fmt.Errorf("acme account: %w", ErrNotFound)
		}
		data = append(data, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
