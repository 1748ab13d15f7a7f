package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"findash/internal/portfolio"
)

const (
	DefaultBatchSize              = 500
	DefaultMaxRemoteDocumentBytes = 900 << 10
)

// CloudLink holds the remote store currently linked, if any. The engine
// reads it on every operation so linking and unlinking apply immediately.
type CloudLink struct {
	mu     sync.RWMutex
	remote Remote
}

// Set links r. A nil r makes every collection local-only.
func (c *CloudLink) Set(r Remote) {
	c.mu.Lock()
	c.remote = r
	c.mu.Unlock()
}

func (c *CloudLink) Remote() Remote {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

type Options struct {
	BatchSize              int
	MaxRemoteDocumentBytes int
	Log                    *logrus.Entry
}

// PushReport summarizes one asynchronous remote push.
type PushReport struct {
	Collection string
	Pushed     int
	// Skipped counts documents kept local because they exceed the
	// remote size limit.
	Skipped int
	Batches int
	Failed  int
	// Stale is set when a newer save superseded this push before it ran.
	Stale bool
}

// Engine is the only writer of both stores.
type Engine struct {
	local     Local
	link      *CloudLink
	batchSize int
	maxDoc    int
	log       *logrus.Entry

	pending sync.WaitGroup

	mu      sync.Mutex
	gen     map[string]uint64
	pushed  map[string]uint64
	pushMus map[string]*sync.Mutex
	// deleted maps collection -> id -> the save generation current when the
	// id was deleted. Pushes up to that generation must not send it.
	deleted map[string]map[string]uint64

	// OnPush, when set, receives every push report.
	OnPush func(PushReport)
}

func NewEngine(local Local, link *CloudLink, opts Options) *Engine {
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRemoteDocumentBytes <= 0 {
		opts.MaxRemoteDocumentBytes = DefaultMaxRemoteDocumentBytes
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if link == nil {
		link = &CloudLink{}
	}
	return &Engine{
		local:     local,
		link:      link,
		batchSize: opts.BatchSize,
		maxDoc:    opts.MaxRemoteDocumentBytes,
		log:       opts.Log,
		gen:       map[string]uint64{},
		pushed:    map[string]uint64{},
		pushMus:   map[string]*sync.Mutex{},
		deleted:   map[string]map[string]uint64{},
	}
}

// Link is the cloud link the engine consults.
func (e *Engine) Link() *CloudLink { return e.link }

func checkCollection(name string) error {
	if !portfolio.IsCollection(name) {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

// Get returns the collection. When linked, a non-empty remote result is
// authoritative and overwrites the local copy; documents are merged by id
// instead so local-only attachments survive. An empty remote result or a
// remote failure returns the local copy unmodified.
func (e *Engine) Get(ctx context.Context, collection string) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	remote := e.link.Remote()
	if remote == nil {
		return e.local.List(ctx, collection)
	}

	log := e.log.WithField("collection", collection)
	remoteRecs, err := remote.Fetch(ctx, collection)
	if err != nil {
		log.WithError(err).Warn("remote fetch failed, serving local copy")
		return e.local.List(ctx, collection)
	}
	if len(remoteRecs) == 0 {
		return e.local.List(ctx, collection)
	}

	result := remoteRecs
	if collection == portfolio.Documents {
		localRecs, err := e.local.List(ctx, collection)
		if err != nil {
			return nil, err
		}
		result = mergeByID(remoteRecs, localRecs)
	}
	if err := e.local.Replace(ctx, collection, result); err != nil {
		log.WithError(err).Error("overwrite local copy with remote")
	}
	return result, nil
}

// mergeByID keeps remote order and appends local records absent remotely.
func mergeByID(remote, local []Record) []Record {
	seen := make(map[string]struct{}, len(remote))
	out := make([]Record, 0, len(remote)+len(local))
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, l := range local {
		if _, ok := seen[l.ID]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// Save replaces the local collection with records and, when linked,
// pushes them to the remote in the background. The save is durable once
// Save returns; remote failures are only logged.
func (e *Engine) Save(ctx context.Context, collection string, records []Record) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkRecords(records); err != nil {
		return err
	}
	if err := e.local.Replace(ctx, collection, records); err != nil {
		return fmt.Errorf("save %s: %w", collection, err)
	}
	remote := e.link.Remote()
	if remote == nil {
		return nil
	}

	snapshot := append([]Record(nil), records...)
	e.mu.Lock()
	e.gen[collection]++
	gen := e.gen[collection]
	e.mu.Unlock()

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		report := e.push(context.WithoutCancel(ctx), remote, collection, gen, snapshot)
		if e.OnPush != nil {
			e.OnPush(report)
		}
	}()
	return nil
}

func (e *Engine) pushLock(collection string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.pushMus[collection]
	if !ok {
		m = &sync.Mutex{}
		e.pushMus[collection] = m
	}
	return m
}

func (e *Engine) push(ctx context.Context, remote Remote, collection string, gen uint64, records []Record) PushReport {
	lock := e.pushLock(collection)
	lock.Lock()
	defer lock.Unlock()

	report := PushReport{Collection: collection}
	log := e.log.WithField("collection", collection)

	e.mu.Lock()
	stale := gen < e.pushed[collection]
	var gone map[string]struct{}
	if !stale {
		e.pushed[collection] = gen
		gone = e.deletedUpTo(collection, gen)
	}
	e.mu.Unlock()
	if stale {
		report.Stale = true
		return report
	}

	keep := make([]string, 0, len(records))
	send := make([]Record, 0, len(records))
	for _, r := range records {
		if _, ok := gone[r.ID]; ok {
			continue
		}
		keep = append(keep, r.ID)
		if collection == portfolio.Documents && r.Size() > e.maxDoc {
			report.Skipped++
			log.WithFields(logrus.Fields{"id": r.ID, "bytes": r.Size(), "limit": e.maxDoc}).
				Info("document exceeds remote size limit, kept local only")
			continue
		}
		send = append(send, r)
	}

	for start := 0; start < len(send); start += e.batchSize {
		end := min(start+e.batchSize, len(send))
		report.Batches++
		if err := remote.PutBatch(ctx, collection, start, send[start:end]); err != nil {
			report.Failed++
			log.WithError(err).WithFields(logrus.Fields{"offset": start, "size": end - start}).
				Warn("remote batch push failed")
			continue
		}
		report.Pushed += end - start
	}
	if report.Failed == 0 {
		if err := remote.Prune(ctx, collection, keep); err != nil {
			log.WithError(err).Warn("remote prune failed")
		}
	}
	log.WithFields(logrus.Fields{
		"pushed":  report.Pushed,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Debug("remote push finished")
	return report
}

// deletedUpTo returns the ids deleted while gen or a later generation was
// current and forgets older entries. Callers hold e.mu.
func (e *Engine) deletedUpTo(collection string, gen uint64) map[string]struct{} {
	ids := e.deleted[collection]
	out := make(map[string]struct{}, len(ids))
	for id, at := range ids {
		if at < gen {
			delete(ids, id)
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// Delete removes one record locally and, best effort, remotely. The remote
// delete waits for any in-flight push of the collection, and pushes of
// snapshots taken before the delete drop the id.
func (e *Engine) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := e.local.Delete(ctx, collection, id); err != nil {
		return err
	}
	remote := e.link.Remote()
	if remote == nil {
		return nil
	}

	e.mu.Lock()
	if e.deleted[collection] == nil {
		e.deleted[collection] = map[string]uint64{}
	}
	e.deleted[collection][id] = e.gen[collection]
	e.mu.Unlock()

	lock := e.pushLock(collection)
	lock.Lock()
	defer lock.Unlock()
	if err := remote.Delete(ctx, collection, id); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"collection": collection, "id": id}).
			Warn("remote delete failed")
	}
	return nil
}

// LookupUser checks the local store first and only asks the remote on a
// miss. A remote hit is cached locally.
func (e *Engine) LookupUser(ctx context.Context, id string) (Record, error) {
	rec, ok, err := e.local.Get(ctx, portfolio.Users, id)
	if err != nil {
		return Record{}, err
	}
	if ok {
		return rec, nil
	}
	remote := e.link.Remote()
	if remote == nil {
		return Record{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	rec, ok, err = remote.Get(ctx, portfolio.Users, id)
	if err != nil {
		e.log.WithError(err).WithField("user", id).Warn("remote user lookup failed")
		return Record{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err := e.local.Put(ctx, portfolio.Users, rec); err != nil {
		e.log.WithError(err).WithField("user", id).Warn("cache remote user locally")
	}
	return rec, nil
}

func (e *Engine) Session(ctx context.Context) (string, bool, error) {
	return e.local.Session(ctx)
}

func (e *Engine) SetSession(ctx context.Context, userID string) error {
	return e.local.SetSession(ctx, userID)
}

func (e *Engine) ClearSession(ctx context.Context) error {
	return e.local.ClearSession(ctx)
}

// CurrentUser resolves the session marker to its user record.
func (e *Engine) CurrentUser(ctx context.Context) (Record, error) {
	id, ok, err := e.local.Session(ctx)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: no active session", ErrNotFound)
	}
	return e.LookupUser(ctx, id)
}

// Resync runs the read path over every collection, pulling remote state
// into the local store.
func (e *Engine) Resync(ctx context.Context) error {
	if e.link.Remote() == nil {
		return nil
	}
	start := time.Now()
	var errs []error
	for _, c := range portfolio.Collections {
		if _, err := e.Get(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", c, err))
		}
	}
	e.log.WithField("duration", time.Since(start).Milliseconds()).Info("resync finished")
	return errors.Join(errs...)
}

// Wait blocks until every background push has finished.
func (e *Engine) Wait() { e.pending.Wait() }

// Close drains pending pushes and closes the local store.
func (e *Engine) Close() error {
	e.Wait()
	return e.local.Close()
}

// Backup is the export format.
type Backup struct {
	Version     int                          `json:"version"`
	ExportedAt  time.Time                    `json:"exportedAt"`
	Collections map[string][]json.RawMessage `json:"collections"`
}

const backupVersion = 1

// Export snapshots the local store. The session is not exported.
func (e *Engine) Export(ctx context.Context) (Backup, error) {
	b := Backup{Version: backupVersion, ExportedAt: time.Now().UTC(), Collections: map[string][]json.RawMessage{}}
	for _, c := range portfolio.Collections {
		recs, err := e.local.List(ctx, c)
		if err != nil {
			return Backup{}, fmt.Errorf("export %s: %w", c, err)
		}
		items := make([]json.RawMessage, len(recs))
		for i, r := range recs {
			items[i] = r.Data
		}
		b.Collections[c] = items
	}
	return b, nil
}

// Import restores a backup. Every collection is validated before anything
// is written, and each collection is replaced in its own transaction, so a
// collection is either fully restored or left untouched. Collections absent
// from the backup are not modified.
func (e *Engine) Import(ctx context.Context, b Backup) error {
	if b.Version != backupVersion {
		return fmt.Errorf("%w: unsupported backup version %d", ErrInvalidRecord, b.Version)
	}
	parsed := make(map[string][]Record, len(b.Collections))
	for name, items := range b.Collections {
		if err := checkCollection(name); err != nil {
			return err
		}
		recs := make([]Record, len(items))
		for i, raw := range items {
			r, err := RecordFromJSON(raw)
			if err != nil {
				return fmt.Errorf("import %s[%d]: %w", name, i, err)
			}
			recs[i] = r
		}
		if err := checkRecords(recs); err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
		parsed[name] = recs
	}

	var errs []error
	for _, name := range portfolio.Collections {
		recs, ok := parsed[name]
		if !ok {
			continue
		}
		if err := e.Save(ctx, name, recs); err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// FactoryReset deletes every local record and the session. With
// includeRemote the linked remote collections are cleared too, best effort.
func (e *Engine) FactoryReset(ctx context.Context, includeRemote bool) error {
	e.Wait()
	if err := e.local.Reset(ctx); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	remote := e.link.Remote()
	if !includeRemote || remote == nil {
		return nil
	}
	for _, c := range portfolio.Collections {
		if err := remote.Clear(ctx, c); err != nil {
			e.log.WithError(err).WithField("collection", c).Warn("remote clear failed")
		}
	}
	return nil
}
