package backend_test

import (
	"testing"

	"github.com/blockvault/s3vfs/pkg/backend"
)

func TestMemoryConformance(t *testing.T) {
	backend.RunConformance(t, backend.NewMemory())
}
