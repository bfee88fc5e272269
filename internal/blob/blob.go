// Package blob stores uploaded files and result artifacts. Refs are opaque
// strings with a scheme prefix: pg://{uuid} for database-backed blobs and
// file://{path} for local files.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store is the artifact storage contract shared by the API and the worker.
type Store interface {
	// Save persists data under the job's namespace and returns its ref.
	Save(ctx context.Context, data []byte, name, jobID string) (string, error)
	// EnsureLocalPath makes the blob behind ref available on local disk and
	// returns the path.
	EnsureLocalPath(ctx context.Context, ref string) (string, error)
	// Load reads the blob behind ref into memory.
	Load(ctx context.Context, ref string) ([]byte, error)
}

const (
	schemePG   = "pg://"
	schemeFile = "file://"
)

func splitRef(ref string) (scheme, rest string, err error) {
	switch {
	case strings.HasPrefix(ref, schemePG):
		return schemePG, strings.TrimPrefix(ref, schemePG), nil
	case strings.HasPrefix(ref, schemeFile):
		return schemeFile, strings.TrimPrefix(ref, schemeFile), nil
	default:
		return "", "", fmt.Errorf("unrecognized blob ref %q", ref)
	}
}
