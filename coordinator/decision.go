package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tesseradb/tessera"
	bolt "go.etcd.io/bbolt"
)

var decisionBucket = []byte("decisions")

// Decision is a durably recorded global commit decision. Its presence in the
// log means the transaction must eventually commit on every listed shard;
// it is removed only once every participant has acknowledged.
type Decision struct {
	TxnID     string    `json:"txn_id"`
	Shards    []string  `json:"shards"`
	DecidedAt time.Time `json:"decided_at"`
}

// DecisionLog stores commit decisions in a bbolt file. The write of a
// decision is the transaction's point of no return.
type DecisionLog struct {
	db *bolt.DB
}

// OpenDecisionLog opens or creates the log at path.
func OpenDecisionLog(path string) (*DecisionLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "coordinator.OpenDecisionLog",
			Msg:  fmt.Sprintf("open %q", path),
			Err:  err,
		}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(decisionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &tessera.Error{
			Code: tessera.EConfiguration,
			Op:   "coordinator.OpenDecisionLog",
			Err:  err,
		}
	}
	return &DecisionLog{db: db}, nil
}

// Close closes the underlying database.
func (l *DecisionLog) Close() error { return l.db.Close() }

// Record durably stores a commit decision. It must return before any
// participant is told to commit.
func (l *DecisionLog) Record(d Decision) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionBucket).Put([]byte(d.TxnID), buf)
	})
}

// Resolve removes a decision once every participant acknowledged the commit.
func (l *DecisionLog) Resolve(txnID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionBucket).Delete([]byte(txnID))
	})
}

// List returns all unresolved decisions.
func (l *DecisionLog) List() ([]Decision, error) {
	var out []Decision
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionBucket).ForEach(func(k, v []byte) error {
			var d Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode decision %q: %w", k, err)
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
