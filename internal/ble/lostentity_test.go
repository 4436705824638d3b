package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLostEntityTracker_ResightedEntitySurvives(t *testing.T) {
	tracker := NewLostEntityTracker[string]()

	tracker.RecordFoundEntity("a")
	assert.Empty(t, tracker.ComputeLostEntities())

	tracker.RecordFoundEntity("a")
	assert.Empty(t, tracker.ComputeLostEntities())
}

func TestLostEntityTracker_MissedEntityIsLost(t *testing.T) {
	tracker := NewLostEntityTracker[string]()

	tracker.RecordFoundEntity("a")
	tracker.RecordFoundEntity("b")
	assert.Empty(t, tracker.ComputeLostEntities())

	// Only "b" answers the next window.
	tracker.RecordFoundEntity("b")
	assert.Equal(t, []string{"a"}, tracker.ComputeLostEntities())

	// "a" stays gone; it is reported lost exactly once.
	tracker.RecordFoundEntity("b")
	assert.Empty(t, tracker.ComputeLostEntities())
}

func TestLostEntityTracker_SilenceLosesEverything(t *testing.T) {
	tracker := NewLostEntityTracker[int]()

	tracker.RecordFoundEntity(1)
	tracker.RecordFoundEntity(2)
	assert.Empty(t, tracker.ComputeLostEntities())

	lost := tracker.ComputeLostEntities()
	assert.ElementsMatch(t, []int{1, 2}, lost)
	assert.Empty(t, tracker.ComputeLostEntities())
}

func TestLostEntityTracker_EmptyTracker(t *testing.T) {
	tracker := NewLostEntityTracker[string]()
	assert.Empty(t, tracker.ComputeLostEntities())
}
