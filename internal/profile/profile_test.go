package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitProfile(t *testing.T) {
	t.Cleanup(func() { Current = DEV })

	t.Setenv("ZENPVM_PROFILE", "")
	t.Setenv("PROFILE", "prod")
	InitProfile()
	assert.Equal(t, PROD, Current)

	t.Setenv("ZENPVM_PROFILE", " test ")
	InitProfile()
	assert.Equal(t, TEST, Current)

	_, ok := Parse("staging")
	assert.False(t, ok)
}
