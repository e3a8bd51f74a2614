package entity

// chunk splits items into groups of at most size (chunked, default 100).
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = defaultBatchChunkSize
	}
	var out [][]T
	for size < len(items) {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// CreateEntities creates every entity in es, continuing past individual
// failures and reporting a partial-success BatchResult.
func (s *Store) CreateEntities(es []Entity, opts WriteOptions) BatchResult {
	return s.runBatch(es, opts, s.CreateEntity)
}

// UpdateEntities updates every entity in es with partial success.
func (s *Store) UpdateEntities(es []Entity, opts WriteOptions) BatchResult {
	return s.runBatch(es, opts, s.UpdateEntity)
}

// UpsertEntities upserts every entity in es with partial success.
func (s *Store) UpsertEntities(es []Entity, opts WriteOptions) BatchResult {
	return s.runBatch(es, opts, s.UpsertEntity)
}

func (s *Store) runBatch(es []Entity, opts WriteOptions, op func(Entity, WriteOptions) (Entity, error)) BatchResult {
	result := BatchResult{Total: len(es)}

	// Embeddings for a batch are deferred to a single follow-up job
	// rather than one job per entity, and returned as a single
	// batch-job id.
	batchOpts := opts
	deferEmbeddings := !opts.SkipEmbeddings
	if deferEmbeddings {
		batchOpts.DeferEmbeddings = true
	}

	idx := 0
	var toEmbed []Entity
	for _, group := range chunk(es, defaultBatchChunkSize) {
		for _, e := range group {
			saved, err := op(e, batchOpts)
			if err != nil {
				result.Failed = append(result.Failed, BatchFailure{Input: e, Index: idx, Error: err})
			} else {
				result.Succeeded = append(result.Succeeded, saved)
				toEmbed = append(toEmbed, saved)
			}
			idx++
		}
	}

	result.SuccessCount = len(result.Succeeded)
	result.FailureCount = len(result.Failed)

	if deferEmbeddings && len(toEmbed) > 0 && s.jobs != nil {
		ids := make([]map[string]any, 0, len(toEmbed))
		for _, e := range toEmbed {
			ids = append(ids, map[string]any{"entityType": e.EntityType, "id": e.ID})
		}
		jobID, err := s.jobs.EnqueueJob("embed-entities-batch", map[string]any{"entities": ids}, 0, map[string]any{"operationType": "embed-entities-batch"})
		if err != nil {
			s.logger.Warn("failed to enqueue batch embedding job", "error", err)
		} else {
			result.JobID = jobID
		}
	}

	return result
}

// DeleteEntities deletes every (entityType,id) pair with partial success.
func (s *Store) DeleteEntities(keys []EntityKey) BatchResult {
	result := BatchResult{Total: len(keys)}
	for idx, k := range keys {
		if err := s.DeleteEntity(k.EntityType, k.ID); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Input: k, Index: idx, Error: err})
		} else {
			result.SuccessCount++
		}
	}
	result.FailureCount = len(result.Failed)
	return result
}

// EntityKey identifies one entity for batch deletion.
type EntityKey struct {
	EntityType string
	ID         string
}
