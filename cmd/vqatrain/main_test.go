package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMainSetsVersionBeforeExecuting(t *testing.T) {
	prevVersion, prevExecute := setVersionInfo, executeCmd
	t.Cleanup(func() { setVersionInfo, executeCmd = prevVersion, prevExecute })

	var order []string
	setVersionInfo = func(v, c, d string) {
		order = append(order, "version")
		assert.Equal(t, []string{version, commit, date}, []string{v, c, d})
	}
	executeCmd = func() { order = append(order, "execute") }

	main()

	assert.Equal(t, []string{"version", "execute"}, order)
}
