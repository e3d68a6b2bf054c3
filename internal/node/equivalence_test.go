package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionsEqualIgnoresKeyOrderViaCanonicalization(t *testing.T) {
	a := AndOf(VolumeExists(Volume{Host: "h1", RootPath: "/a"}), Never())
	b := AndOf(VolumeExists(Volume{Host: "h1", RootPath: "/a"}), Never())
	assert.True(t, ConditionsEqual(a, b))
}

func TestConditionsEqualDetectsDifference(t *testing.T) {
	a := VolumeSizeAtLeast(Volume{Host: "h1", RootPath: "/a"}, 1024)
	b := VolumeSizeAtLeast(Volume{Host: "h1", RootPath: "/a"}, 2048)
	assert.False(t, ConditionsEqual(a, b))
}

func TestConditionsEqualDifferentKinds(t *testing.T) {
	assert.False(t, ConditionsEqual(Satisfied(), Never()))
}

func TestCanonicalizeSerializesRoundTrip(t *testing.T) {
	c := CommandReturns(Command{Host: "h", Program: Program{Kind: ProgramShell, Shell: "true"}}, 0)
	s, err := canonicalCondition(c)
	assert.NoError(t, err)
	assert.Contains(t, s, `"command_returns"`)
}
