package amqp

import "time"

// AddressingMode selects how the Controller resolves logical Targets into
// wire addresses. See addresser.go.
type AddressingMode string

const (
	// AddressingLegacy uses the exclusive/broadcast/unicast prefix scheme.
	AddressingLegacy AddressingMode = "legacy"
	// AddressingRoutable uses the rpc/notify address-prefix scheme with
	// explicit multicast/unicast/anycast labels.
	AddressingRoutable AddressingMode = "routable"
	// AddressingDynamic selects legacy or routable per-connection based on
	// the remote peer's advertised properties.
	AddressingDynamic AddressingMode = "dynamic"
)

// Config mirrors, field for field, the stable option names a deployment of
// this driver is configured with. Loading it from a file or flag set is
// outside this package's scope; callers decode into this struct themselves
// (the yaml tags exist for exactly that purpose).
type Config struct {
	ContainerName string `yaml:"container_name"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	Trace         bool   `yaml:"trace"`

	SSLCAFile       string `yaml:"ssl_ca_file"`
	SSLCertFile     string `yaml:"ssl_cert_file"`
	SSLKeyFile      string `yaml:"ssl_key_file"`
	SSLKeyPassword  string `yaml:"ssl_key_password"`
	AllowInsecure   bool   `yaml:"allow_insecure_clients"`

	SASLMechanisms string `yaml:"sasl_mechanisms"`
	SASLConfigDir  string `yaml:"sasl_config_dir"`
	SASLConfigName string `yaml:"sasl_config_name"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`

	ConnectionRetryInterval    time.Duration `yaml:"connection_retry_interval"`
	ConnectionRetryBackoff     time.Duration `yaml:"connection_retry_backoff"`
	ConnectionRetryIntervalMax time.Duration `yaml:"connection_retry_interval_max"`
	LinkRetryDelay             time.Duration `yaml:"link_retry_delay"`

	DefaultReplyTimeout  time.Duration `yaml:"default_reply_timeout"`
	DefaultSendTimeout   time.Duration `yaml:"default_send_timeout"`
	DefaultNotifyTimeout time.Duration `yaml:"default_notify_timeout"`

	AddressingMode AddressingMode `yaml:"addressing_mode"`

	ServerRequestPrefix string `yaml:"server_request_prefix"`
	BroadcastPrefix     string `yaml:"broadcast_prefix"`
	GroupRequestPrefix  string `yaml:"group_request_prefix"`

	RPCAddressPrefix           string `yaml:"rpc_address_prefix"`
	NotifyAddressPrefix        string `yaml:"notify_address_prefix"`
	MulticastAddress           string `yaml:"multicast_address"`
	UnicastAddress             string `yaml:"unicast_address"`
	AnycastAddress             string `yaml:"anycast_address"`
	DefaultNotificationExchange string `yaml:"default_notification_exchange"`
	DefaultRPCExchange         string `yaml:"default_rpc_exchange"`

	ReplyLinkCredit  uint32 `yaml:"reply_link_credit"`
	RPCServerCredit  uint32 `yaml:"rpc_server_credit"`
	NotifyServerCredit uint32 `yaml:"notify_server_credit"`

	// MaxTaskBatch bounds how many tasks are drained from the TaskQueue per
	// processTasks run. Not part of the original option set; a practical
	// knob the Go port needs to keep a single misbehaving batch bounded.
	MaxTaskBatch int
	// TaskQueueCapacity bounds the TaskQueue; AddTask blocks once full.
	TaskQueueCapacity int
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 0,
		Trace:       false,

		AllowInsecure: false,

		ConnectionRetryInterval:    1 * time.Second,
		ConnectionRetryBackoff:     2 * time.Second,
		ConnectionRetryIntervalMax: 30 * time.Second,
		LinkRetryDelay:             10 * time.Second,

		DefaultReplyTimeout:  30 * time.Second,
		DefaultSendTimeout:   30 * time.Second,
		DefaultNotifyTimeout: 30 * time.Second,

		AddressingMode: AddressingDynamic,

		ServerRequestPrefix: "exclusive",
		BroadcastPrefix:     "broadcast",
		GroupRequestPrefix:  "unicast",

		RPCAddressPrefix:    "openstack.org/om/rpc",
		NotifyAddressPrefix: "openstack.org/om/notify",
		MulticastAddress:    "multicast",
		UnicastAddress:      "unicast",
		AnycastAddress:      "anycast",

		ReplyLinkCredit:    200,
		RPCServerCredit:    100,
		NotifyServerCredit: 100,

		MaxTaskBatch:      50,
		TaskQueueCapacity: 500,
	}
}
