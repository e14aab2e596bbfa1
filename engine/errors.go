package engine

import "go.bryk.io/amqp10/errors"

var (
	errSenderInactive   = errors.New("engine: sender link is not active")
	errReceiverInactive = errors.New("engine: receiver link is not active")
)
