// Package blob provides content-addressed storage for canonical envelope
// bytes. Every Get verifies that the returned bytes hash to the requested id.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
)

var (
	// ErrNotFound is returned when no content is stored under an id.
	ErrNotFound = errors.New("blob not found")
	// ErrIntegrity is returned when stored bytes do not hash to their id.
	ErrIntegrity = errors.New("blob integrity check failed")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put stores b and returns its content id. Storing the same bytes twice
	// returns the same id.
	Put(ctx context.Context, b []byte) (string, error)
	// Get returns the bytes stored under id.
	Get(ctx context.Context, id string) ([]byte, error)
}

// verify checks b against id, wrapping mismatches in ErrIntegrity.
func verify(id string, b []byte) error {
	if err := canonical.VerifyContentID(id, b); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return nil
}
