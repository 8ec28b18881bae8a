package ingest

import (
	"context"

	"medrag/apps/ingest/internal/pipeline"
)

// Resolution is the backend's view of a submitted source: the normalized
// physical filename, a human-readable display name and whether an indexed
// copy already exists.
type Resolution struct {
	PhysicalName string
	DisplayName  string
	Exists       bool
	SizeBytes    int64
	Pages        int
	Count        int
}

type DocumentChecker interface {
	Check(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.CheckResult, error)
}

// Resolver normalizes a user-supplied source by querying the backend in
// check-only mode. For URL sources the backend downloads the resource to
// answer, so this is a side-effecting call, not a pure lookup.
type Resolver struct {
	checker DocumentChecker
}

func NewResolver(c DocumentChecker) *Resolver {
	return &Resolver{checker: c}
}

func (r *Resolver) Resolve(ctx context.Context, src Source) (*Resolution, error) {
	req := pipeline.ProcessRequest{}
	if src.Kind == SourceFile {
		req.FilePath = src.Path
		req.FileName = src.Name
	} else {
		req.URL = src.URL
	}

	res, err := r.checker.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		// Backend had nothing to say about the document.
		return &Resolution{DisplayName: src.Name}, nil
	}

	display := res.DisplayName
	if display == "" {
		display = res.Filename
	}
	if display == "" {
		display = src.Name
	}

	return &Resolution{
		PhysicalName: res.Filename,
		DisplayName:  display,
		Exists:       res.Exists,
		SizeBytes:    res.Stats.Size,
		Pages:        res.Stats.Pages,
		Count:        res.Count,
	}, nil
}
