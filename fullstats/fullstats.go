package fullstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.etcd.io/bbolt"

	"dnssplit/arbiter"
)

const (
	domainsBucket  = "domains"
	clientsBucket  = "clients"
	dbFileName     = "stats.db"
	asyncQueueSize = 10000
)

// DomainStats tracks the verdicts for one question (name + type).
type DomainStats struct {
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	Count     uint64            `json:"count"`
	Match     string            `json:"match"`
	Verdicts  map[string]uint64 `json:"verdicts"`
	// LatencyMs is the running total of reply latency over answered queries.
	LatencyMs uint64 `json:"latency_ms_total"`
}

// ClientStats tracks the queries of one client address.
type ClientStats struct {
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	TypeCount map[string]uint64 `json:"type_count"`
	Verdicts  map[string]uint64 `json:"verdicts"`
}

// Tracker stores per-domain and per-client verdict statistics in bbolt.
// It implements arbiter.Sink: Record never blocks, a worker goroutine does the writes.
type Tracker struct {
	db        *bbolt.DB
	asyncCh   chan arbiter.Outcome
	asyncWg   sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
	now       func() time.Time
}

// New opens (creating if needed) statsDir/stats.db. If enabled is false, returns nil.
func New(statsDir string, enabled bool) (*Tracker, error) {
	if !enabled {
		return nil, nil
	}

	if err := os.MkdirAll(statsDir, 0o755); err != nil {
		return nil, fmt.Errorf("fullstats: create directory: %w", err)
	}

	dbPath := filepath.Join(statsDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fullstats: open database: %w", err)
	}

	t := &Tracker{
		db:      db,
		asyncCh: make(chan arbiter.Outcome, asyncQueueSize),
		now:     time.Now,
	}

	if err := t.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fullstats: initialize buckets: %w", err)
	}

	t.asyncWg.Add(1)
	go t.asyncWorker()

	return t, nil
}

func (t *Tracker) asyncWorker() {
	defer t.asyncWg.Done()
	for o := range t.asyncCh {
		_ = t.recordSync(o)
	}
}

func (t *Tracker) initBuckets() error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(domainsBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(clientsBucket)); err != nil {
			return err
		}
		return nil
	})
}

// Key returns the domains bucket key for a question, e.g. "example.com.:A".
func Key(name string, qtype uint16) string {
	return name + ":" + typeName(qtype)
}

func typeName(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

// Record queues o for storage. If the queue is full the outcome is dropped.
func (t *Tracker) Record(o arbiter.Outcome) {
	if t == nil {
		return
	}
	select {
	case t.asyncCh <- o:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns how many outcomes were discarded because the queue was full.
func (t *Tracker) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// recordSync does the actual bbolt write (used by the async worker).
func (t *Tracker) recordSync(o arbiter.Outcome) error {
	now := t.now()
	qtype := typeName(o.QType)
	verdict := o.Verdict.String()
	answered := o.Verdict <= arbiter.VerdictTrustedDelayed

	return t.db.Update(func(tx *bbolt.Tx) error {
		domains := tx.Bucket([]byte(domainsBucket))
		if domains == nil {
			return fmt.Errorf("domains bucket not found")
		}
		key := []byte(Key(o.Name, o.QType))

		var ds DomainStats
		if data := domains.Get(key); data != nil {
			if err := json.Unmarshal(data, &ds); err != nil {
				return fmt.Errorf("unmarshal domain stats: %w", err)
			}
		} else {
			ds.FirstSeen = now
		}
		if ds.Verdicts == nil {
			ds.Verdicts = make(map[string]uint64)
		}
		ds.LastSeen = now
		ds.Count++
		ds.Match = o.Match.String()
		ds.Verdicts[verdict]++
		if answered {
			ds.LatencyMs += uint64(o.Latency.Milliseconds())
		}
		if err := putJSON(domains, key, ds); err != nil {
			return fmt.Errorf("put domain stats: %w", err)
		}

		if !o.Client.IsValid() {
			return nil
		}
		clients := tx.Bucket([]byte(clientsBucket))
		if clients == nil {
			return fmt.Errorf("clients bucket not found")
		}
		ckey := []byte(o.Client.Addr().String())

		var cs ClientStats
		if data := clients.Get(ckey); data != nil {
			if err := json.Unmarshal(data, &cs); err != nil {
				return fmt.Errorf("unmarshal client stats: %w", err)
			}
		} else {
			cs.FirstSeen = now
		}
		if cs.TypeCount == nil {
			cs.TypeCount = make(map[string]uint64)
		}
		if cs.Verdicts == nil {
			cs.Verdicts = make(map[string]uint64)
		}
		cs.LastSeen = now
		cs.TypeCount[qtype]++
		cs.Verdicts[verdict]++
		if err := putJSON(clients, ckey, cs); err != nil {
			return fmt.Errorf("put client stats: %w", err)
		}
		return nil
	})
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// GetDomainStats retrieves statistics for a question key (see Key).
func (t *Tracker) GetDomainStats(key string) (*DomainStats, error) {
	if t == nil {
		return nil, nil
	}
	var stats *DomainStats
	err := t.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(domainsBucket))
		if bucket == nil {
			return fmt.Errorf("domains bucket not found")
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		stats = &DomainStats{}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

// GetClientStats retrieves statistics for a client address.
func (t *Tracker) GetClientStats(ip string) (*ClientStats, error) {
	if t == nil {
		return nil, nil
	}
	var stats *ClientStats
	err := t.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(clientsBucket))
		if bucket == nil {
			return fmt.Errorf("clients bucket not found")
		}
		data := bucket.Get([]byte(ip))
		if data == nil {
			return nil
		}
		stats = &ClientStats{}
		return json.Unmarshal(data, stats)
	})
	return stats, err
}

// GetAllDomains returns all per-question statistics.
func (t *Tracker) GetAllDomains() (map[string]*DomainStats, error) {
	if t == nil {
		return nil, nil
	}
	result := make(map[string]*DomainStats)
	err := t.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(domainsBucket))
		if bucket == nil {
			return fmt.Errorf("domains bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var stats DomainStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			result[string(k)] = &stats
			return nil
		})
	})
	return result, err
}

// GetAllClients returns all per-client statistics.
func (t *Tracker) GetAllClients() (map[string]*ClientStats, error) {
	if t == nil {
		return nil, nil
	}
	result := make(map[string]*ClientStats)
	err := t.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(clientsBucket))
		if bucket == nil {
			return fmt.Errorf("clients bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var stats ClientStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			result[string(k)] = &stats
			return nil
		})
	})
	return result, err
}

// Close closes the async channel, waits for the worker to drain, then closes the database.
// Record must not be called after Close.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.asyncCh)
		t.asyncWg.Wait()
		closeErr = t.db.Close()
	})
	return closeErr
}
