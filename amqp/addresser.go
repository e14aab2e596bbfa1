package amqp

import "fmt"

// Addresser turns logical Targets into wire address strings. A new instance
// is created each time the connection becomes active, seeded with the peer's
// advertised properties, so that address scheme selection (legacy vs
// routable) can follow whatever the remote broker actually understands.
//
// This is an external collaborator per design: a deployment may supply its
// own Addresser. defaultAddresser below is a complete, usable reference
// implementation so the package is runnable end to end without one.
type Addresser interface {
	// Resolve returns the single address used for a Send/RPCCall against
	// target for the given service and mode.
	Resolve(target Target, service Service, mode DeliveryMode) (string, error)

	// Subscriptions returns every address a SubscriptionServer should bind
	// a receiver link to for the given target/service.
	Subscriptions(target Target, service Service) ([]string, error)
}

// PeerProperties carries the subset of the remote peer's open-frame
// properties the Addresser needs to pick a scheme under AddressingDynamic.
type PeerProperties struct {
	// ProductVersionIsRoutable is true when the peer is known to implement
	// the routable-address scheme (rpc/notify prefixes with explicit
	// multicast/unicast/anycast labels) rather than the legacy scheme.
	ProductVersionIsRoutable bool
}

// defaultAddresser implements the legacy and routable schemes described in
// the configuration table (§6): legacy uses exclusive/broadcast/unicast
// prefixes glued directly to exchange/topic/server; routable uses explicit
// rpc/notify address prefixes plus a multicast/unicast/anycast label.
type defaultAddresser struct {
	cfg     Config
	mode    AddressingMode
	routable bool
}

// NewAddresser builds the reference Addresser for a freshly active
// connection, resolving AddressingDynamic against the peer's properties.
func NewAddresser(cfg Config, peer PeerProperties) Addresser {
	mode := cfg.AddressingMode
	routable := mode == AddressingRoutable
	if mode == AddressingDynamic {
		routable = peer.ProductVersionIsRoutable
	}
	return &defaultAddresser{cfg: cfg, mode: mode, routable: routable}
}

func (a *defaultAddresser) Resolve(target Target, service Service, mode DeliveryMode) (string, error) {
	if a.routable {
		return a.routableAddress(target, service, mode), nil
	}
	return a.legacyAddress(target, service, mode), nil
}

func (a *defaultAddresser) Subscriptions(target Target, service Service) ([]string, error) {
	var modes []DeliveryMode
	if service == ServiceNotify {
		modes = []DeliveryMode{Anycast}
	} else {
		modes = []DeliveryMode{Unicast, Multicast, Anycast}
	}
	addrs := make([]string, 0, len(modes))
	for _, m := range modes {
		addr, err := a.Resolve(target, service, m)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (a *defaultAddresser) legacyAddress(target Target, service Service, mode DeliveryMode) string {
	exchange := target.Exchange
	if exchange == "" {
		if service == ServiceNotify {
			exchange = a.cfg.DefaultNotificationExchange
		} else {
			exchange = a.cfg.DefaultRPCExchange
		}
	}
	switch mode {
	case Unicast:
		return fmt.Sprintf("%s/%s.%s/%s", a.cfg.ServerRequestPrefix, exchange, target.Topic, target.Server)
	case Multicast:
		return fmt.Sprintf("%s/%s.%s/all", a.cfg.BroadcastPrefix, exchange, target.Topic)
	default: // Anycast
		return fmt.Sprintf("%s/%s.%s", a.cfg.GroupRequestPrefix, exchange, target.Topic)
	}
}

func (a *defaultAddresser) routableAddress(target Target, service Service, mode DeliveryMode) string {
	prefix := a.cfg.RPCAddressPrefix
	if service == ServiceNotify {
		prefix = a.cfg.NotifyAddressPrefix
	}
	var label string
	switch mode {
	case Unicast:
		label = a.cfg.UnicastAddress
	case Multicast:
		label = a.cfg.MulticastAddress
	default:
		label = a.cfg.AnycastAddress
	}
	if target.Server != "" && mode == Unicast {
		return fmt.Sprintf("%s.%s/%s/%s", prefix, label, target.Topic, target.Server)
	}
	return fmt.Sprintf("%s.%s/%s", prefix, label, target.Topic)
}
