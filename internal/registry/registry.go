// Package registry maps a job's subject type to the processing strategy
// that renders it. The queue core stays ignorant of rendering details;
// processors are opaque "produce a preview for this job" capabilities.
package registry

import (
	"context"
	"fmt"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// Result is the artifact a processor produced for a job.
type Result struct {
	Data        []byte
	ContentType string
}

// Processor renders the preview for one subject type. Implementations
// must tolerate duplicate invocation for the same job: delivery is
// at-least-once and a stale claimant may finish its render after losing
// the lock.
type Processor interface {
	Process(ctx context.Context, job *domain.ThumbnailJob) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *domain.ThumbnailJob) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, job *domain.ThumbnailJob) (Result, error) {
	return f(ctx, job)
}

// Registry is written once during startup registration and read-only
// afterwards, so it needs no locking.
type Registry struct {
	processors map[domain.SubjectType]Processor
}

func New() *Registry {
	return &Registry{processors: make(map[domain.SubjectType]Processor)}
}

func (r *Registry) Register(subject domain.SubjectType, p Processor) {
	r.processors[subject] = p
}

// Resolve returns the processor for subject. A missing registration is a
// configuration error; Validate should have caught it at startup.
func (r *Registry) Resolve(subject domain.SubjectType) (Processor, error) {
	p, ok := r.processors[subject]
	if !ok {
		return nil, fmt.Errorf("no processor registered for subject type %q", subject)
	}
	return p, nil
}

// Validate confirms every given subject type has a processor. Call it
// before accepting work so a misconfigured worker fails at startup
// instead of dead-lettering every job it touches.
func (r *Registry) Validate(subjects ...domain.SubjectType) error {
	for _, s := range subjects {
		if _, ok := r.processors[s]; !ok {
			return fmt.Errorf("no processor registered for subject type %q", s)
		}
	}
	return nil
}

// Names lists the registered subject types, for startup logging.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for s := range r.processors {
		names = append(names, string(s))
	}
	return names
}
