package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultAddresserRoutable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressingMode = AddressingRoutable
	a := NewAddresser(cfg, PeerProperties{})

	target := Target{Topic: "my-topic", Server: "node-1"}
	addr, err := a.Resolve(target, ServiceRPC, Unicast)
	assert.NoError(t, err)
	assert.Equal(t, "openstack.org/om/rpc.unicast/my-topic/node-1", addr)

	addr, err = a.Resolve(target, ServiceRPC, Multicast)
	assert.NoError(t, err)
	assert.Equal(t, "openstack.org/om/rpc.multicast/my-topic", addr)
}

func TestDefaultAddresserLegacy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressingMode = AddressingLegacy
	cfg.DefaultRPCExchange = "openstack"
	a := NewAddresser(cfg, PeerProperties{})

	target := Target{Topic: "my-topic", Server: "node-1"}
	addr, err := a.Resolve(target, ServiceRPC, Unicast)
	assert.NoError(t, err)
	assert.Equal(t, "exclusive/openstack.my-topic/node-1", addr)
}

func TestDefaultAddresserDynamicFollowsPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressingMode = AddressingDynamic
	cfg.DefaultRPCExchange = "openstack"

	legacy := NewAddresser(cfg, PeerProperties{ProductVersionIsRoutable: false})
	addr, _ := legacy.Resolve(Target{Topic: "t"}, ServiceRPC, Anycast)
	assert.Contains(t, addr, "unicast/openstack.t")

	routable := NewAddresser(cfg, PeerProperties{ProductVersionIsRoutable: true})
	addr, _ = routable.Resolve(Target{Topic: "t"}, ServiceRPC, Anycast)
	assert.Contains(t, addr, "openstack.org/om/rpc.anycast/t")
}

func TestNotificationSubscriptionsAnycastOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressingMode = AddressingRoutable
	a := NewAddresser(cfg, PeerProperties{})

	addrs, err := a.Subscriptions(Target{Topic: "events"}, ServiceNotify)
	assert.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestRPCSubscriptionsUnicastMulticastAnycast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressingMode = AddressingRoutable
	a := NewAddresser(cfg, PeerProperties{})

	addrs, err := a.Subscriptions(Target{Topic: "calls", Server: "node-1"}, ServiceRPC)
	assert.NoError(t, err)
	assert.Len(t, addrs, 3)
}
