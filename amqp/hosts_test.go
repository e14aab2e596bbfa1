package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewHostListDefaults(t *testing.T) {
	hl := NewHostList(nil, "guest", "guest")
	assert.Equal(t, "localhost", hl.Current().Hostname)
	assert.Equal(t, 5672, hl.Current().Port)
	assert.Equal(t, "guest", hl.Current().Username)
}

func TestNewHostListBackfill(t *testing.T) {
	hl := NewHostList([]Host{{Hostname: "broker-a"}, {Hostname: "broker-b", Port: 5673}}, "user", "pass")
	assert.Equal(t, 5672, hl.entries[0].Port)
	assert.Equal(t, "user", hl.entries[0].Username)
	assert.Equal(t, 5673, hl.entries[1].Port)
}

func TestHostListNextWraps(t *testing.T) {
	hl := &HostList{entries: []Host{{Hostname: "a"}, {Hostname: "b"}, {Hostname: "c"}}, current: 2}
	next := hl.Next()
	assert.Equal(t, "a", next.Hostname)
	assert.Equal(t, "b", hl.Next().Hostname)
}

func TestHostListSingleEntryNextIsNoop(t *testing.T) {
	hl := &HostList{entries: []Host{{Hostname: "only"}}}
	assert.Equal(t, "only", hl.Next().Hostname)
	assert.Equal(t, "only", hl.Next().Hostname)
}
