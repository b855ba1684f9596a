package scheduler

import (
	"context"
	"log"

	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/services"
)

// Resolver executes exactly one job against its configured backend, with at
// most one fallback attempt against the known-good default backend for the
// job kind. It is a compatibility fallback, not a resilience-retry loop —
// transient-failure retries, if wanted, belong to the scheduler layer.
type Resolver struct {
	provider services.Provider
	defaults func(kind models.JobKind) string
}

func NewResolver(provider services.Provider, defaults func(kind models.JobKind) string) *Resolver {
	return &Resolver{provider: provider, defaults: defaults}
}

// Execute runs the job and returns exactly one result, success or not.
//
// Failure handling:
//   - asset-expired is terminal: the input must be regenerated, no backend
//     switch can fix it, so zero additional attempts are made.
//   - any other failure triggers exactly one fallback to the default backend
//     for the kind, but only when the configured backend differs from it.
//     The result carries a marker that the default was also tried.
func (r *Resolver) Execute(ctx context.Context, job models.GenerationJob) models.JobResult {
	result := models.JobResult{
		JobID:         job.ID,
		Kind:          job.Kind,
		ShotID:        job.ShotID,
		CharacterName: job.CharacterName,
		BackendUsed:   job.BackendID,
	}

	attempt := job
	attempt.Params = ShapeParams(job.BackendID, job.Params)

	assetRef, err := r.provider.Submit(ctx, attempt)
	if err == nil {
		result.AssetRef = assetRef
		return result
	}

	kind := models.Classify(err)
	if kind == models.ErrAssetExpired {
		result.ErrorKind = kind
		result.ErrorMessage = err.Error()
		return result
	}

	defaultBackend := r.defaults(job.Kind)
	if defaultBackend == "" || defaultBackend == job.BackendID {
		result.ErrorKind = kind
		result.ErrorMessage = err.Error()
		return result
	}

	log.Printf("[Resolver] Job %s failed on backend %s (%s), falling back to default %s",
		job.ID, job.BackendID, kind, defaultBackend)

	fallback := job
	fallback.BackendID = defaultBackend
	fallback.Params = ShapeParams(defaultBackend, job.Params)

	result.BackendUsed = defaultBackend
	result.DefaultTried = true

	assetRef, err = r.provider.Submit(ctx, fallback)
	if err != nil {
		// Surfaced as-is — including a second asset-expired classification.
		result.ErrorKind = models.Classify(err)
		result.ErrorMessage = err.Error()
		return result
	}

	result.AssetRef = assetRef
	return result
}
