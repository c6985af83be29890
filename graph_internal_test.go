package logbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathsToUnknownStageIsUndefined(t *testing.T) {
	sink := &Stage{name: "b", inChannels: []string{"x"}, outChannels: []string{}, isOutput: true}
	g := &graph{
		order:   []string{"b"},
		stages:  map[string]*Stage{"b": sink},
		inputs:  map[string][]string{"b": {"ghost"}},
		outputs: map[string][]string{},
	}

	paths, err := g.paths()
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, Path{Stages: []string{"ghost", "b"}, Start: ReasonUndefined, End: ReasonOutput}, paths[0])
	assert.Equal(t, "[UNDEFINED:ghost, OUTPUT:b]", paths[0].String())

	err = ValidatePaths(paths)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]Reason{"ghost": ReasonUndefined}, verr.Stages)
}

func TestSingleStagePathString(t *testing.T) {
	assert.Equal(t, "[DEADEND:a]", Path{Stages: []string{"a"}, Start: ReasonInput, End: ReasonDeadEnd}.String())
	assert.Equal(t, "[DEADEND:a]", Path{Stages: []string{"a"}, Start: ReasonDeadEnd, End: ReasonOutput}.String())
	assert.Equal(t, "[INPUT/OUTPUT:a]", Path{Stages: []string{"a"}, Start: ReasonInput, End: ReasonOutput}.String())
}
