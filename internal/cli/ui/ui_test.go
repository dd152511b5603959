package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelAppendsLogLines(t *testing.T) {
	m := NewModel(NewFeed())
	next, _ := m.Update(LogMsg("hello device"))
	m = next.(Model)

	require.Len(t, m.logLines, 1)
	assert.Contains(t, m.logLines[0], "hello device")
	assert.Contains(t, m.log.View(), "hello device")
}

func TestModelTracksStateTransitions(t *testing.T) {
	m := NewModel(NewFeed())
	next, _ := m.Update(StateMsg{From: "Disconnected", To: "SaharaMode"})
	m = next.(Model)

	assert.Equal(t, "SaharaMode", m.connState)
	assert.False(t, m.deviceReady)

	next, _ = m.Update(StateMsg{From: "SaharaMode", To: "Ready"})
	m = next.(Model)
	assert.True(t, m.deviceReady)
}

func TestModelTracksProgress(t *testing.T) {
	m := NewModel(NewFeed())
	next, _ := m.Update(ProgressMsg{Transferred: 50, Total: 100})
	m = next.(Model)

	assert.Equal(t, int64(50), m.transferred)
	assert.Equal(t, int64(100), m.total)
	assert.False(t, m.opDone)
}

func TestModelRecordsChipIdentity(t *testing.T) {
	m := NewModel(NewFeed())
	next, _ := m.Update(ChipMsg{Serial: 42, HWID: 0xdeadbeef})
	m = next.(Model)

	assert.Equal(t, uint32(42), m.chipSerial)
	assert.Contains(t, m.View(), "serial=42")
}

func TestFeedDropsOldestWhenFull(t *testing.T) {
	feed := make(Feed, 2)
	feed.Push(LogMsg("one"))
	feed.Push(LogMsg("two"))
	feed.Push(LogMsg("three"))

	require.Len(t, feed, 2)
	first := <-feed
	assert.Equal(t, LogMsg("two"), first)
}
