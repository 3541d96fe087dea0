// Package registry implements SessionRegistry: the owner_id -> session
// mapping that enforces "one active stream per tab" and persists the
// small serializable slice of each session's state so it survives a
// process restart.
//
// The read-then-insert memdb transaction pattern is grounded in the
// teacher's database/memdb.go (GetConcurrency/IncrementConcurrency),
// generalized from an int counter table to a uniquely-owned session
// table. The periodic-checkpoint-via-cron shape is grounded in the
// teacher's main.go, which schedules a robfig/cron/v3 job to refresh
// background state; here the job persists live session snapshots to
// modernc.org/sqlite instead of re-downloading a playlist.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"stream-engine/logger"
	"stream-engine/metrics"
	"stream-engine/session"

	"github.com/hashicorp/go-memdb"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

var ErrOwnerHasSession = errors.New("registry: owner already has an active session")

// SessionRecord holds exactly the serializable fields spec.md §4.8
// names: enough to re-enter Resolving on restore, nothing that can't
// survive a process restart.
type SessionRecord struct {
	ID               string
	OwnerID          string
	ManifestURL      string
	CurrentVariantIx int
	StateTag         string
	ResumeEpoch      int64
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"session": {
				Name: "session",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"owner_id": {
						Name:    "owner_id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "OwnerID"},
					},
				},
			},
		},
	}
}

// Registry owns every registered Session's lifetime: sessions are
// built by the caller (ownerapi.Open) and handed to Create, and Remove
// is what tears them down.
type Registry struct {
	db     *memdb.MemDB
	sqlite *sql.DB
	logger logger.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	live map[string]*session.Session // session id -> live handle
}

// Open creates the in-memory table and the sqlite-backed checkpoint
// store at sqlitePath, then starts a periodic checkpoint job at the
// given interval (0 disables it).
func Open(sqlitePath string, checkpointInterval time.Duration, log logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	mdb, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("registry: memdb init: %w", err)
	}

	sqliteDB, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite open: %w", err)
	}
	const createTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT UNIQUE NOT NULL,
	manifest_url TEXT NOT NULL,
	current_variant_ix INTEGER NOT NULL,
	state_tag TEXT NOT NULL,
	resume_epoch INTEGER NOT NULL
)`
	if _, err := sqliteDB.Exec(createTable); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("registry: create table: %w", err)
	}

	r := &Registry{
		db:     mdb,
		sqlite: sqliteDB,
		logger: log.With("registry"),
		live:   make(map[string]*session.Session),
	}

	if checkpointInterval > 0 {
		r.cron = cron.New(cron.WithSeconds())
		spec := fmt.Sprintf("@every %s", checkpointInterval)
		if _, err := r.cron.AddFunc(spec, r.checkpointAll); err != nil {
			sqliteDB.Close()
			return nil, fmt.Errorf("registry: schedule checkpoint: %w", err)
		}
		r.cron.Start()
	}

	return r, nil
}

// Create registers sess under ownerID, rejecting the call if the
// owner already has an active session (duplicate detections for an
// owner with an active session are dropped, per spec.md §4.8).
func (r *Registry) Create(ownerID string, sess *session.Session, manifestURL string) error {
	txn := r.db.Txn(true)
	raw, err := txn.First("session", "owner_id", ownerID)
	if err != nil {
		txn.Abort()
		return fmt.Errorf("registry: lookup owner: %w", err)
	}
	if raw != nil {
		txn.Abort()
		return ErrOwnerHasSession
	}

	rec := &SessionRecord{
		ID:          sess.ID,
		OwnerID:     ownerID,
		ManifestURL: manifestURL,
		StateTag:    session.Resolving.String(),
		ResumeEpoch: time.Now().Unix(),
	}
	if err := txn.Insert("session", rec); err != nil {
		txn.Abort()
		return fmt.Errorf("registry: insert session: %w", err)
	}
	txn.Commit()

	r.mu.Lock()
	r.live[sess.ID] = sess
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()
	return nil
}

// Get returns the live session for ownerID, if one is active.
func (r *Registry) Get(ownerID string) (*session.Session, bool) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("session", "owner_id", ownerID)
	if err != nil || raw == nil {
		return nil, false
	}
	rec := raw.(*SessionRecord)

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.live[rec.ID]
	return sess, ok
}

// Remove tears down the owner's session: aborts it, clears the memdb
// record, and erases persisted state. Safe to call if no session is
// registered for ownerID.
func (r *Registry) Remove(ownerID string) {
	txn := r.db.Txn(true)
	raw, err := txn.First("session", "owner_id", ownerID)
	if err != nil || raw == nil {
		txn.Abort()
		return
	}
	rec := raw.(*SessionRecord)
	if err := txn.Delete("session", rec); err != nil {
		txn.Abort()
		return
	}
	txn.Commit()

	r.mu.Lock()
	sess := r.live[rec.ID]
	delete(r.live, rec.ID)
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
		metrics.ActiveSessions.Dec()
	}
	if _, err := r.sqlite.Exec(`DELETE FROM sessions WHERE id = ?`, rec.ID); err != nil {
		r.logger.Warnf("failed to erase persisted session %s: %v", rec.ID, err)
	}
}

// Save upserts sessionID's current serializable fields to the sqlite
// checkpoint store.
func (r *Registry) Save(sessionID string) error {
	txn := r.db.Txn(false)
	raw, err := txn.First("session", "id", sessionID)
	txn.Abort()
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("registry: no record for session %s", sessionID)
	}
	rec := raw.(*SessionRecord)

	r.mu.Lock()
	sess := r.live[sessionID]
	r.mu.Unlock()
	if sess != nil {
		_, _, ix := sess.Stats()
		rec.CurrentVariantIx = ix
		rec.StateTag = sess.State().String()
	}

	_, err = r.sqlite.Exec(`
INSERT INTO sessions (id, owner_id, manifest_url, current_variant_ix, state_tag, resume_epoch)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	current_variant_ix = excluded.current_variant_ix,
	state_tag = excluded.state_tag,
	resume_epoch = excluded.resume_epoch
`, rec.ID, rec.OwnerID, rec.ManifestURL, rec.CurrentVariantIx, rec.StateTag, rec.ResumeEpoch)
	return err
}

// Restore loads a persisted SessionRecord by id. The caller is
// responsible for reconstructing the non-persistable collaborators
// (store, fetcher, estimator, ABR) and re-entering Resolving via
// session.New + Start, per spec.md §4.8.
func (r *Registry) Restore(sessionID string) (*SessionRecord, error) {
	row := r.sqlite.QueryRow(`
SELECT id, owner_id, manifest_url, current_variant_ix, state_tag, resume_epoch
FROM sessions WHERE id = ?`, sessionID)

	var rec SessionRecord
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.ManifestURL, &rec.CurrentVariantIx, &rec.StateTag, &rec.ResumeEpoch); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RestoreAll lists every persisted record, used on engine startup to
// re-attach sessions that were live when the process last exited.
func (r *Registry) RestoreAll() ([]*SessionRecord, error) {
	rows, err := r.sqlite.Query(`SELECT id, owner_id, manifest_url, current_variant_ix, state_tag, resume_epoch FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.ManifestURL, &rec.CurrentVariantIx, &rec.StateTag, &rec.ResumeEpoch); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *Registry) checkpointAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Save(id); err != nil {
			r.logger.Warnf("checkpoint failed for session %s: %v", id, err)
		}
	}
}

// Close stops the checkpoint cron (if running) and closes the sqlite
// handle. Live sessions are not aborted; callers that want a full
// shutdown should Remove each owner first.
func (r *Registry) Close() error {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
	return r.sqlite.Close()
}
