package result

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	require.Equal(t, Class(""), ClassOf(nil))
	require.Equal(t, Retryable, ClassOf(errors.New("db down")))

	fatal := NewFatal("invalid_payload", errors.New("missing transaction id"))
	require.Equal(t, Fatal, ClassOf(fatal))
	require.Equal(t, Fatal, ClassOf(fmt.Errorf("handle: %w", fatal)))
	require.Equal(t, "invalid_payload", CodeOf(fmt.Errorf("handle: %w", fatal)))

	conflict := NewConflict("version_mismatch", nil)
	require.Equal(t, Conflict, ClassOf(conflict))
	require.Equal(t, "conflict: version_mismatch", conflict.Error())
}
