package messagepipeline_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	base := errors.New("record not found")

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, messagepipeline.Permanent(nil))
	})

	t.Run("survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("annotate cat.png: %w", messagepipeline.Permanent(base))
		assert.True(t, messagepipeline.IsPermanent(err))
		assert.ErrorIs(t, err, base)
		assert.Equal(t, "annotate cat.png: record not found", err.Error())
	})

	t.Run("plain errors are transient", func(t *testing.T) {
		assert.False(t, messagepipeline.IsPermanent(base))
		assert.False(t, messagepipeline.IsPermanent(nil))
	})
}
