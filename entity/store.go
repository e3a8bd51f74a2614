package entity

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/internal/store"
	"github.com/brainkernel/brain/logging"
)

// JobEnqueuer is the narrow slice of the job queue the entity store needs:
// enough to enqueue an embed-entity job without importing the queue
// package (which in turn depends on entity types for its own handlers in
// the kernel wiring layer — kept decoupled here on purpose).
type JobEnqueuer interface {
	EnqueueJob(jobType string, data map[string]any, priority int, metadata map[string]any) (string, error)
}

// WriteOptions controls a single write's embedding/force behavior.
type WriteOptions struct {
	SkipEmbeddings  bool
	DeferEmbeddings bool
	Force           bool
}

// BatchResult is the partial-success shape every *Entities batch operation
// returns.
type BatchResult struct {
	Succeeded    []Entity
	Failed       []BatchFailure
	Total        int
	SuccessCount int
	FailureCount int
	JobID        string
}

// BatchFailure records one failed item within a batch call.
type BatchFailure struct {
	Input any
	Index int
	Error error
}

const defaultBatchChunkSize = 100

// Store is the schema-validated, content-addressed entity store.
type Store struct {
	db       *store.DB
	registry *Registry
	bus      *bus.Bus
	ids      *clockid.IDGenerator
	clock    clockid.Clock
	jobs     JobEnqueuer
	cache    *lru.Cache[string, Entity]
	logger   *logging.Logger
}

// New builds a Store. jobs may be nil; in that case embedding jobs are
// simply never enqueued (useful for tests that don't exercise the async
// embedding path).
func New(db *store.DB, registry *Registry, b *bus.Bus, ids *clockid.IDGenerator, clock clockid.Clock, jobs JobEnqueuer, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	cache, _ := lru.New[string, Entity](2048)
	return &Store{db: db, registry: registry, bus: b, ids: ids, clock: clock, jobs: jobs, cache: cache, logger: logger.Child("entity")}
}

func cacheKey(entityType, id string) string { return entityType + ":" + id }

// ContentHash returns the stable content-addressed hash of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// validate applies the registered adapter + schema to content, returning
// the parsed data map or a Validation error.
func (s *Store) validate(t Type, content string) (map[string]any, error) {
	data, err := t.Adapter.FromMarkdown(content)
	if err != nil {
		return nil, brainerr.Wrap(brainerr.Validation, fmt.Sprintf("content does not parse under %q's adapter", t.Name), err, map[string]any{"entityType": t.Name})
	}
	if errs := t.Schema.Validate(data); len(errs) > 0 {
		return nil, brainerr.New(brainerr.Validation, errs.Error(), map[string]any{"entityType": t.Name})
	}
	return data, nil
}

// CreateEntity inserts a new entity, failing if (entityType,id) already
// exists.
func (s *Store) CreateEntity(e Entity, opts WriteOptions) (Entity, error) {
	t, err := s.registry.MustGet(e.EntityType)
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.validate(t, e.Content); err != nil {
		return Entity{}, err
	}
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	now := s.clock.Now()
	e.Created, e.Updated = now, now
	e.ContentHash = ContentHash(e.Content)

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entity{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO entities (entity_type, id, content, metadata, content_hash, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.EntityType, e.ID, e.Content, string(metaJSON), e.ContentHash, e.Created, e.Updated)
	if err != nil {
		return Entity{}, brainerr.Wrap(brainerr.Conflict, "entity already exists", err, map[string]any{"entityType": e.EntityType, "id": e.ID})
	}

	s.cache.Remove(cacheKey(e.EntityType, e.ID))
	s.afterWrite(e, opts)
	s.bus.Publish(bus.TopicEntityCreated, bus.EntityEvent{EntityType: e.EntityType, EntityID: e.ID}, "entity-store")
	return e, nil
}

// UpdateEntity overwrites an existing entity's content/metadata.
func (s *Store) UpdateEntity(e Entity, opts WriteOptions) (Entity, error) {
	t, err := s.registry.MustGet(e.EntityType)
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.validate(t, e.Content); err != nil {
		return Entity{}, err
	}

	existing, ok := s.getRow(e.EntityType, e.ID)
	if !ok {
		return Entity{}, brainerr.New(brainerr.NotFound, "entity not found", map[string]any{"entityType": e.EntityType, "id": e.ID})
	}

	e.ContentHash = ContentHash(e.Content)
	if e.ContentHash == existing.ContentHash && !opts.Force {
		return existing, nil
	}
	e.Created = existing.Created
	e.Updated = s.clock.Now()

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entity{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE entities SET content=?, metadata=?, content_hash=?, updated=?
		WHERE entity_type=? AND id=?
	`, e.Content, string(metaJSON), e.ContentHash, e.Updated, e.EntityType, e.ID)
	if err != nil {
		return Entity{}, fmt.Errorf("update entity: %w", err)
	}

	s.cache.Remove(cacheKey(e.EntityType, e.ID))
	s.afterWrite(e, opts)
	s.bus.Publish(bus.TopicEntityUpdated, bus.EntityEvent{EntityType: e.EntityType, EntityID: e.ID}, "entity-store")
	return e, nil
}

// UpsertEntity inserts or updates, skipping the write entirely (and
// skipping embedding enqueue) when the content hash is unchanged and the
// caller did not force it.
func (s *Store) UpsertEntity(e Entity, opts WriteOptions) (Entity, error) {
	t, err := s.registry.MustGet(e.EntityType)
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.validate(t, e.Content); err != nil {
		return Entity{}, err
	}

	newHash := ContentHash(e.Content)
	existing, exists := s.getRow(e.EntityType, e.ID)
	if exists && existing.ContentHash == newHash && !opts.Force {
		return existing, nil
	}

	now := s.clock.Now()
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	created := now
	if exists {
		created = existing.Created
	}
	e.Created, e.Updated, e.ContentHash = created, now, newHash

	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entity{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO entities (entity_type, id, content, metadata, content_hash, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			content=excluded.content,
			metadata=excluded.metadata,
			content_hash=excluded.content_hash,
			updated=excluded.updated
		WHERE excluded.updated >= entities.updated
	`, e.EntityType, e.ID, e.Content, string(metaJSON), e.ContentHash, e.Created, e.Updated)
	if err != nil {
		return Entity{}, fmt.Errorf("upsert entity: %w", err)
	}

	s.cache.Remove(cacheKey(e.EntityType, e.ID))
	s.afterWrite(e, opts)
	if exists {
		s.bus.Publish(bus.TopicEntityUpdated, bus.EntityEvent{EntityType: e.EntityType, EntityID: e.ID}, "entity-store")
	} else {
		s.bus.Publish(bus.TopicEntityCreated, bus.EntityEvent{EntityType: e.EntityType, EntityID: e.ID}, "entity-store")
	}
	return e, nil
}

// DeleteEntity removes one entity.
func (s *Store) DeleteEntity(entityType, id string) error {
	res, err := s.db.Exec(`DELETE FROM entities WHERE entity_type=? AND id=?`, entityType, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return brainerr.New(brainerr.NotFound, "entity not found", map[string]any{"entityType": entityType, "id": id})
	}
	s.cache.Remove(cacheKey(entityType, id))
	s.bus.Publish(bus.TopicEntityDeleted, bus.EntityEvent{EntityType: entityType, EntityID: id}, "entity-store")
	return nil
}

// afterWrite enqueues the embed-entity job unless the caller opted out.
func (s *Store) afterWrite(e Entity, opts WriteOptions) {
	if opts.SkipEmbeddings || opts.DeferEmbeddings || s.jobs == nil {
		return
	}
	if _, err := s.jobs.EnqueueJob("embed-entity", map[string]any{
		"entityType": e.EntityType,
		"id":         e.ID,
	}, 0, map[string]any{"operationType": "embed-entity", "operationTarget": e.ID}); err != nil {
		s.logger.Warn("failed to enqueue embedding job", "entityType", e.EntityType, "id", e.ID, "error", err)
	}
}

// GetEntity fetches one entity, consulting the read-through cache first.
func (s *Store) GetEntity(entityType, id string) (Entity, error) {
	if e, ok := s.cache.Get(cacheKey(entityType, id)); ok {
		return e, nil
	}
	e, ok := s.getRow(entityType, id)
	if !ok {
		return Entity{}, brainerr.New(brainerr.NotFound, "entity not found", map[string]any{"entityType": entityType, "id": id})
	}
	s.cache.Add(cacheKey(entityType, id), e)
	return e, nil
}

func (s *Store) getRow(entityType, id string) (Entity, bool) {
	row := s.db.QueryRow(`
		SELECT entity_type, id, content, metadata, content_hash, embedding, created, updated
		FROM entities WHERE entity_type=? AND id=?
	`, entityType, id)
	e, err := scanEntity(row)
	if err != nil {
		return Entity{}, false
	}
	return e, true
}

// scanner abstracts *sql.Row / *sql.Rows for scanEntity.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (Entity, error) {
	var e Entity
	var metaJSON string
	var embedding []byte
	if err := row.Scan(&e.EntityType, &e.ID, &e.Content, &metaJSON, &e.ContentHash, &embedding, &e.Created, &e.Updated); err != nil {
		return Entity{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		e.Metadata = map[string]any{}
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &e.Embedding); err != nil {
			e.Embedding = nil
		}
	}
	return e, nil
}

// ListOptions controls ListEntities.
type ListOptions struct {
	Filter func(Entity) bool
	Sort   func(a, b Entity) bool
	Limit  int
	Offset int
}

// ListEntities returns every entity of entityType matching opts.
func (s *Store) ListEntities(entityType string, opts ListOptions) ([]Entity, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, id, content, metadata, content_hash, embedding, created, updated
		FROM entities WHERE entity_type=? ORDER BY updated DESC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var all []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if opts.Filter == nil || opts.Filter(e) {
			all = append(all, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.Sort != nil {
		sort.Slice(all, func(i, j int) bool { return opts.Sort(all[i], all[j]) })
	}
	return paginate(all, opts.Offset, opts.Limit), nil
}

func paginate(all []Entity, offset, limit int) []Entity {
	if offset > 0 {
		if offset >= len(all) {
			return nil
		}
		all = all[offset:]
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// SearchOptions controls Search.
type SearchOptions struct {
	EntityType string
	Query      string
	Limit      int
	Sort       func(a, b Entity) bool
}

// Search performs a full-text search across content (backed by the
// entities_fts virtual table) optionally scoped to one entityType.
func (s *Store) Search(opts SearchOptions) ([]Entity, error) {
	var rows *sql.Rows
	var err error
	query := `
		SELECT e.entity_type, e.id, e.content, e.metadata, e.content_hash, e.embedding, e.created, e.updated
		FROM entities e JOIN entities_fts f ON f.rowid = e.rowid
	`
	switch {
	case opts.Query != "" && opts.EntityType != "":
		rows, err = s.db.Query(query+` WHERE entities_fts MATCH ? AND e.entity_type=? ORDER BY e.updated DESC`, opts.Query, opts.EntityType)
	case opts.Query != "":
		rows, err = s.db.Query(query+` WHERE entities_fts MATCH ? ORDER BY e.updated DESC`, opts.Query)
	case opts.EntityType != "":
		rows, err = s.db.Query(`
			SELECT entity_type, id, content, metadata, content_hash, embedding, created, updated
			FROM entities WHERE entity_type=? ORDER BY updated DESC`, opts.EntityType)
	default:
		rows, err = s.db.Query(`
			SELECT entity_type, id, content, metadata, content_hash, embedding, created, updated
			FROM entities ORDER BY updated DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var results []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		results = append(results, e)
	}
	if opts.Sort != nil {
		sort.Slice(results, func(i, j int) bool { return opts.Sort(results[i], results[j]) })
	}
	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results, nil
}

// UpdateEmbedding stores a generated embedding for one entity. The store
// only enqueues embed-entity and embed-entities-batch jobs; no handler for
// those job types is registered in this module, so nothing calls
// UpdateEmbedding on its own.
func (s *Store) UpdateEmbedding(entityType, id string, embedding []float32) error {
	blob, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.Exec(`UPDATE entities SET embedding=? WHERE entity_type=? AND id=?`, blob, entityType, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return brainerr.New(brainerr.NotFound, "entity not found", map[string]any{"entityType": entityType, "id": id})
	}
	s.cache.Remove(cacheKey(entityType, id))
	return nil
}
