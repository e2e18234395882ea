/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package docstore is a reference implementation of the document store a
Follower Receiver applies committed updates into. The real mailbox
store lives outside this module's scope; this one exists so
cmd/jmapraftd has something concrete to wire replication.Follower's
ApplyToDocumentStore hook to, and so the demo/test deployment has an
observable effect from a committed write.

Every apply runs on internal/workerpool rather than inline on the
Follower's own goroutine, per the store-operations-are-offloaded rule:
the apply is a blocking bbolt write, and the goroutine that owns the
replication phase should be free to do other work while it runs.
*/
package docstore

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/workerpool"
)

var documentsBucket = []byte("documents")

// Store is a minimal bbolt-backed keyed blob store: DocumentId -> last
// applied payload, or absent if deleted.
type Store struct {
	db   *bolt.DB
	pool *workerpool.Pool
	log  zerolog.Logger
}

// Open opens (creating if absent) the reference document store at path.
func Open(path string, pool *workerpool.Pool, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, pool: pool, log: logger.With().Str("component", "docstore").Logger()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Apply is a replication.Follower.ApplyToDocumentStore implementation:
// it persists or removes the document payload named by p, offloaded
// onto the worker pool, and logs the apply under a correlation id so a
// bad write can be traced back to the commit that produced it.
func (s *Store) Apply(p store.PendingUpdate) error {
	correlationID := uuid.New()

	return s.pool.Do(context.Background(), func() error {
		switch p.Kind {
		case store.PendingUpdateDoc:
			if err := s.put(p.DocumentID, p.Payload); err != nil {
				return err
			}
			s.log.Debug().
				Str("correlation_id", correlationID.String()).
				Uint32("document_id", uint32(p.DocumentID)).
				Int("bytes", len(p.Payload)).
				Msg("applied document update")
			return nil
		case store.PendingDelete:
			for _, id := range p.DeleteIds {
				if err := s.delete(id); err != nil {
					return err
				}
			}
			s.log.Debug().
				Str("correlation_id", correlationID.String()).
				Int("count", len(p.DeleteIds)).
				Msg("applied document deletes")
			return nil
		default:
			return nil
		}
	})
}

func (s *Store) put(id types.DocumentId, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put(docKey(id), payload)
	})
}

func (s *Store) delete(id types.DocumentId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Delete(docKey(id))
	})
}

// Get returns the last-applied payload for id, for tests and the
// demo binary to inspect the effect of a commit.
func (s *Store) Get(id types.DocumentId) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get(docKey(id))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func docKey(id types.DocumentId) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}
