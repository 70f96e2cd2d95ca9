package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

func TestToArray(t *testing.T) {
	assert.Nil(t, toArray(nil))
	assert.Equal(t, pq.Float64Array{1, 2.5}, toArray(tensor.Vector(1, 2.5)))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}
