package storage

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperators       = []byte("operators")
	bucketOperatorsByName = []byte("operators_by_name")
	bucketTokens          = []byte("tokens")
	bucketTokensByValue   = []byte("tokens_by_value")
	bucketWorkers         = []byte("workers")
	bucketWorkersByHost   = []byte("workers_by_host")
)

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database at
// <dataDir>/fleetd.db and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetd.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketOperators, bucketOperatorsByName,
			bucketTokens, bucketTokensByValue,
			bucketWorkers, bucketWorkersByHost,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ferrors.Wrap(ferrors.Internal, err, "create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Operator operations

func (s *BoltStore) GetOperator(id string) (*types.Operator, error) {
	var op types.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperators).Get([]byte(id))
		if data == nil {
			return ferrors.Newf(ferrors.NotFound, "operator %s not found", id)
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *BoltStore) GetOperatorByUsername(username string) (*types.Operator, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketOperatorsByName).Get([]byte(strings.ToLower(username)))
		if id == nil {
			return ferrors.Newf(ferrors.NotFound, "operator %q not found", username)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetOperator(string(id))
}

func (s *BoltStore) UpsertOperator(op *types.Operator) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketOperatorsByName)
		key := []byte(strings.ToLower(op.Username))

		if existing := byName.Get(key); existing != nil && string(existing) != op.ID {
			return ferrors.Newf(ferrors.Conflict, "username %q already in use", op.Username)
		}

		operators := tx.Bucket(bucketOperators)
		if prevData := operators.Get([]byte(op.ID)); prevData != nil {
			var prev types.Operator
			if err := json.Unmarshal(prevData, &prev); err != nil {
				return err
			}
			if !strings.EqualFold(prev.Username, op.Username) {
				if err := byName.Delete([]byte(strings.ToLower(prev.Username))); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := operators.Put([]byte(op.ID), data); err != nil {
			return err
		}
		return byName.Put(key, []byte(op.ID))
	})
}

func (s *BoltStore) ListOperators() ([]*types.Operator, error) {
	var out []*types.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperators).ForEach(func(_, v []byte) error {
			var op types.Operator
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			out = append(out, &op)
			return nil
		})
	})
	return out, err
}

// Registration token operations

func (s *BoltStore) GetTokenFor(operatorID string) (*types.RegistrationToken, error) {
	var tok *types.RegistrationToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketOperators).Get([]byte(operatorID)) == nil {
			return ferrors.Newf(ferrors.NotFound, "operator %s not found", operatorID)
		}
		if data := tx.Bucket(bucketTokens).Get([]byte(operatorID)); data != nil {
			tok = &types.RegistrationToken{}
			return json.Unmarshal(data, tok)
		}
		var err error
		tok, err = rotateTokenTx(tx, operatorID)
		return err
	})
	return tok, err
}

func (s *BoltStore) RotateTokenFor(operatorID string) (*types.RegistrationToken, error) {
	var tok *types.RegistrationToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketOperators).Get([]byte(operatorID)) == nil {
			return ferrors.Newf(ferrors.NotFound, "operator %s not found", operatorID)
		}
		var err error
		tok, err = rotateTokenTx(tx, operatorID)
		return err
	})
	return tok, err
}

// rotateTokenTx generates a fresh token and removes the prior value from
// the by-value index in the same transaction, so the old value is
// unusable the instant the transaction commits.
func rotateTokenTx(tx *bolt.Tx, operatorID string) (*types.RegistrationToken, error) {
	tokens := tx.Bucket(bucketTokens)
	byValue := tx.Bucket(bucketTokensByValue)

	if prevData := tokens.Get([]byte(operatorID)); prevData != nil {
		var prev types.RegistrationToken
		if err := json.Unmarshal(prevData, &prev); err != nil {
			return nil, err
		}
		if err := byValue.Delete([]byte(prev.Value)); err != nil {
			return nil, err
		}
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "generate token")
	}
	tok := &types.RegistrationToken{Value: value, OperatorID: operatorID, CreatedAt: time.Now()}
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	if err := tokens.Put([]byte(operatorID), data); err != nil {
		return nil, err
	}
	return tok, byValue.Put([]byte(value), []byte(operatorID))
}

func (s *BoltStore) GetOperatorByTokenValue(value string) (*types.Operator, error) {
	var operatorID []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		operatorID = tx.Bucket(bucketTokensByValue).Get([]byte(value))
		if operatorID == nil {
			return ferrors.New(ferrors.Unauthorized, "unknown registration token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetOperator(string(operatorID))
}

// Worker operations

func (s *BoltStore) UpsertWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		workers := tx.Bucket(bucketWorkers)
		byHost := tx.Bucket(bucketWorkersByHost)

		if prevData := workers.Get([]byte(w.ID)); prevData != nil {
			var prev types.Worker
			if err := json.Unmarshal(prevData, &prev); err != nil {
				return err
			}
			prevKey := hostIPKey(prev.Hostname, prev.IPAddress)
			if prevKey != hostIPKey(w.Hostname, w.IPAddress) {
				if err := byHost.Delete([]byte(prevKey)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		if err := workers.Put([]byte(w.ID), data); err != nil {
			return err
		}
		return byHost.Put([]byte(hostIPKey(w.Hostname, w.IPAddress)), []byte(w.ID))
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return ferrors.Newf(ferrors.NotFound, "worker %s not found", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) GetWorkerByHostIP(hostname, ip string) (*types.Worker, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketWorkersByHost).Get([]byte(hostIPKey(hostname, ip)))
		if id == nil {
			return ferrors.Newf(ferrors.NotFound, "worker %s/%s not found", hostname, ip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorker(string(id))
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListWorkersByOperator(operatorID string) ([]*types.Worker, error) {
	all, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Worker, 0, len(all))
	for _, w := range all {
		if w.OperatorID == operatorID {
			out = append(out, w)
		}
	}
	return out, nil
}
