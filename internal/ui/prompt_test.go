package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompterAsk(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n  2026/march \n-\n"), &out, "nas:/srv")

	answer, ok, err := p.Ask(1, 1<<30, 1200)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, answer, "enter accepts the root")
	assert.Contains(t, out.String(), "part 0001  1.0 GiB  1,200 files  destination under nas:/srv")

	answer, ok, err = p.Ask(2, 10, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026/march", answer)

	_, ok, err = p.Ask(3, 10, 1)
	require.NoError(t, err)
	assert.False(t, ok, "dash defers the part")

	_, ok, err = p.Ask(4, 10, 1)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted input defers the part")
}

func TestPrompterAnswerWithoutNewline(t *testing.T) {
	p := NewPrompter(strings.NewReader("sub"), &bytes.Buffer{}, "/mnt")
	answer, ok, err := p.Ask(1, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sub", answer)
}
