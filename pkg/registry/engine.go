package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"queryreg/pkg/ast"
	"queryreg/pkg/cache"
	"queryreg/pkg/listener"
	"queryreg/pkg/metrics"
	"queryreg/pkg/parser"
	"queryreg/pkg/regerrors"
	"queryreg/pkg/replmap"
)

const (
	defaultMailboxSize  = 256
	defaultWriteTimeout = 60 * time.Second
)

// Config wires an Engine to its collaborators.
type Config struct {
	// Name is the local identifier of this registry instance, used in logs.
	Name string
	// MapKey names the replicated map instance backing the registry.
	MapKey string
	// WriteTimeout bounds every replication request.
	WriteTimeout time.Duration
	// MailboxSize bounds the inbound message queue.
	MailboxSize int
	// Store is the replicated map.
	Store replmap.Store
	// Collector receives operation counters; nil means none.
	Collector metrics.Collector
}

// Engine is the reconciliation core. A single goroutine consumes its mailbox,
// so Put/Remove/Changed handlers never run concurrently and all cache
// mutation is serialized without locks. Replication acknowledgments complete
// on arbitrary goroutines and are re-enqueued as continuation messages before
// they touch the cache or reply to the caller.
type Engine struct {
	name         string
	mapKey       string
	writeTimeout time.Duration

	store     replmap.Store
	cache     *cache.Cache
	collector metrics.Collector

	mailbox chan message
	loop    *listener.Listener[message]
	watcher *listener.Listener[replmap.Changed]
}

type message interface {
	handle(e *Engine)
}

type result struct {
	key string
	err error
}

type putMsg struct {
	key   string
	text  string
	ttl   time.Duration
	reply chan result
}

type removeMsg struct {
	key   string
	reply chan result
}

type changedMsg struct {
	snapshot map[string]string
}

// applyMsg carries a replication continuation back onto the engine goroutine.
type applyMsg struct {
	fn func(e *Engine)
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry %q: store is required", cfg.Name)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.Nop{}
	}

	changes, err := cfg.Store.Subscribe(cfg.MapKey)
	if err != nil {
		return nil, fmt.Errorf("registry %q: subscribe: %w", cfg.Name, err)
	}

	e := &Engine{
		name:         cfg.Name,
		mapKey:       cfg.MapKey,
		writeTimeout: cfg.WriteTimeout,
		store:        cfg.Store,
		cache:        cache.New(),
		collector:    cfg.Collector,
		mailbox:      make(chan message, cfg.MailboxSize),
	}
	e.loop = listener.New(e.mailbox, func(m message) { m.handle(e) })
	e.watcher = listener.New(changes, func(ev replmap.Changed) {
		e.enqueue(changedMsg{snapshot: ev.Snapshot})
	})
	return e, nil
}

// Start launches the mailbox loop and the change-event watcher.
func (e *Engine) Start(ctx context.Context) {
	e.loop.Start(ctx)
	e.watcher.Start(ctx)
}

// Stop drains nothing: in-flight replications may still complete, but their
// continuations are discarded with the mailbox loop.
func (e *Engine) Stop() {
	e.watcher.Stop()
	e.loop.Stop()
}

func (e *Engine) enqueue(m message) {
	e.mailbox <- m
}

// PutStatement implements Registry.
func (e *Engine) PutStatement(ctx context.Context, key, text string, ttl time.Duration) (string, error) {
	reply := make(chan result, 1)

	select {
	case e.mailbox <- putMsg{key: key, text: text, ttl: ttl, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.key, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RemoveStatement implements Registry.
func (e *Engine) RemoveStatement(ctx context.Context, key string) (string, error) {
	reply := make(chan result, 1)

	select {
	case e.mailbox <- removeMsg{key: key, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.key, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetStatement implements Registry: a direct cache read.
func (e *Engine) GetStatement(key string) (*ast.Statement, bool) {
	return e.cache.Get(key)
}

// Statements returns the cached entries matching pred.
func (e *Engine) Statements(pred func(key string, st *ast.Statement) bool) map[string]*ast.Statement {
	entries := e.cache.Entries(func(key string, en cache.Entry) bool {
		return pred(key, en.Statement)
	})
	out := make(map[string]*ast.Statement, len(entries))
	for k, en := range entries {
		out[k] = en.Statement
	}
	return out
}

func (m putMsg) handle(e *Engine) {
	st, err := parser.Parse(m.text)
	if err != nil {
		// surfaced to the caller, not just logged
		slog.Warn("statement rejected by parser",
			"registry", e.name, "key", m.key, "error", err)
		e.collector.Inc("put_parse_failures")
		m.reply <- result{err: err}
		return
	}

	ack := e.store.Update(context.Background(), replmap.Mutation{
		Op:   replmap.InsertOp,
		Key:  m.key,
		Text: m.text,
	}, e.writeTimeout)

	go func() {
		res := e.awaitAck(ack)
		e.enqueue(applyMsg{fn: func(e *Engine) { e.completePut(m, st, res) }})
	}()
}

func (m removeMsg) handle(e *Engine) {
	ack := e.store.Update(context.Background(), replmap.Mutation{
		Op:  replmap.DeleteOp,
		Key: m.key,
	}, e.writeTimeout)

	go func() {
		res := e.awaitAck(ack)
		e.enqueue(applyMsg{fn: func(e *Engine) { e.completeRemove(m, res) }})
	}()
}

func (m changedMsg) handle(e *Engine) {
	e.reconcile(m.snapshot)
}

func (m applyMsg) handle(e *Engine) {
	m.fn(e)
}

// awaitAck guards against a store that never delivers: the engine treats a
// silent store as a timed-out request rather than leaking the caller.
func (e *Engine) awaitAck(ack <-chan replmap.UpdateResult) replmap.UpdateResult {
	grace := time.NewTimer(e.writeTimeout + time.Second)
	defer grace.Stop()

	select {
	case res := <-ack:
		return res
	case <-grace.C:
		return replmap.UpdateResult{
			Outcome: replmap.Timeout,
			Err:     regerrors.ErrReplicationTimeout,
		}
	}
}

// completePut runs on the engine goroutine, strictly after replication has
// acknowledged. Callers never observe an entry as cached before it is durable.
func (e *Engine) completePut(m putMsg, st *ast.Statement, res replmap.UpdateResult) {
	if res.Outcome != replmap.Success {
		slog.Warn("statement replication failed",
			"registry", e.name, "key", m.key, "outcome", res.Outcome.String(), "error", res.Err)
		e.collector.Inc("put_replication_failures")
		m.reply <- result{err: outcomeError(res)}
		return
	}

	var expire time.Time
	if m.ttl > 0 {
		expire = time.Now().Add(m.ttl)
	}
	// overwrite: the cache mirrors the replicated map even for existing keys
	e.cache.Put(m.key, cache.Entry{Statement: st, Text: m.text, ExpireAt: expire})
	e.collector.Inc("puts")
	m.reply <- result{key: m.key}
}

func (e *Engine) completeRemove(m removeMsg, res replmap.UpdateResult) {
	if res.Outcome != replmap.Success {
		slog.Warn("statement removal failed",
			"registry", e.name, "key", m.key, "outcome", res.Outcome.String(), "error", res.Err)
		e.collector.Inc("remove_replication_failures")
		m.reply <- result{err: outcomeError(res)}
		return
	}

	e.cache.Remove(m.key)
	e.collector.Inc("removes")
	m.reply <- result{key: m.key}
}

// reconcile diffs one observed snapshot against the cache. Additions and
// refreshes first, then removals, both computed against the same snapshot.
func (e *Engine) reconcile(snapshot map[string]string) {
	e.collector.Inc("changed_events")

	for key, text := range snapshot {
		entry, cached := e.cache.Lookup(key)
		if cached && entry.Text == text {
			continue
		}

		st, err := parser.Parse(text)
		if err != nil {
			// no caller to reply to; the entry is omitted and not retried
			slog.Warn("replicated statement does not parse, omitting from cache",
				"registry", e.name, "key", key, "error", err)
			e.collector.Inc("changed_parse_failures")
			if cached {
				// the replicated text regressed; a stale parse must not linger
				e.cache.Remove(key)
			}
			continue
		}

		e.cache.Put(key, cache.Entry{Statement: st, Text: text, ExpireAt: entry.ExpireAt})
		e.collector.Inc("reconciled_inserts")
	}

	for _, key := range e.cache.Keys() {
		if _, ok := snapshot[key]; !ok {
			e.cache.Remove(key)
			e.collector.Inc("reconciled_removes")
		}
	}
}

func outcomeError(res replmap.UpdateResult) error {
	if res.Err != nil {
		return res.Err
	}
	return res.Outcome.Err()
}
