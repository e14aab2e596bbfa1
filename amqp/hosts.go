package amqp

import (
	"fmt"
	"math/rand"
)

// Host identifies one candidate broker endpoint.
type Host struct {
	Hostname string
	Port     int
	Username string
	Password string
}

func (h Host) String() string {
	return fmt.Sprintf("%s:%d", h.Hostname, h.Port)
}

// HostList is an ordered list of candidate Hosts. Connection failover
// advances from the current entry to the next, wrapping around. The
// starting position is randomized so that a fleet of clients configured
// with the same host list doesn't all dogpile the first entry.
type HostList struct {
	entries []Host
	current int
}

// NewHostList builds a HostList from entries, backfilling missing port,
// username, and password from the supplied defaults. An empty entries list
// yields a single localhost:5672 entry, matching the original driver's
// fallback.
func NewHostList(entries []Host, defaultUser, defaultPass string) *HostList {
	list := make([]Host, len(entries))
	copy(list, entries)
	if len(list) == 0 {
		list = []Host{{Hostname: "localhost", Port: 5672}}
	}
	for i := range list {
		if list[i].Port == 0 {
			list[i].Port = 5672
		}
		if list[i].Username == "" {
			list[i].Username = defaultUser
		}
		if list[i].Password == "" {
			list[i].Password = defaultPass
		}
	}
	hl := &HostList{entries: list}
	if len(list) > 1 {
		hl.current = rand.Intn(len(list))
	}
	return hl
}

// Current returns the presently selected host.
func (h *HostList) Current() Host {
	return h.entries[h.current]
}

// Next advances the cursor to the following host (wrapping) and returns it.
// A single-entry list is a no-op.
func (h *HostList) Next() Host {
	if len(h.entries) > 1 {
		h.current = (h.current + 1) % len(h.entries)
	}
	return h.Current()
}

func (h *HostList) String() string {
	out := ""
	for i, e := range h.entries {
		if i > 0 {
			out += ", "
		}
		out += e.String()
	}
	return out
}
