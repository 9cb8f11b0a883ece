package endpoint

import (
	"fmt"
	"time"

	"github.com/marmos91/dittonet/pkg/tlsconf"
)

// Backend names.
const (
	BackendNIO    = "nio"
	BackendNative = "native"
	BackendAsync  = "async"
)

// Config holds the configuration of one endpoint.
//
// Default values (applied by ApplyDefaults if zero):
//   - Backlog: 100
//   - AcceptorThreadCount: 1
//   - MaxConnections: 8192 (-1 disables the connection limiter)
//   - MinSpareThreads: 10, MaxThreads: 200
//   - ConnectionTimeout: 20s, KeepAliveTimeout: ConnectionTimeout
//   - MaxKeepAliveRequests: 100 (-1 is unlimited)
//   - UnlockTimeout: 250ms, SelectorTimeout: 1s
//   - PollerSize: 8192
type Config struct {
	// Name identifies the endpoint in logs and metrics.
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Backend selects the I/O model: nio, native or async.
	Backend string `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=nio native async"`

	// Address is the host to bind. Empty binds every interface.
	Address string `mapstructure:"address" yaml:"address"`

	// Port is the TCP port. 0 picks an ephemeral port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// Backlog is the accept queue length passed to listen(2).
	Backlog int `mapstructure:"backlog" yaml:"backlog" validate:"min=0"`

	// BindOnInit binds the listener in Init rather than Start. Stop only
	// unbinds listeners that were bound on start.
	BindOnInit *bool `mapstructure:"bind_on_init" yaml:"bind_on_init"`

	AcceptorThreadCount int `mapstructure:"acceptor_thread_count" yaml:"acceptor_thread_count" validate:"min=0"`

	// MaxConnections caps concurrently open connections. -1 is unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=-1"`

	// Worker pool bounds. Ignored when an external executor is supplied.
	MinSpareThreads int `mapstructure:"min_spare_threads" yaml:"min_spare_threads" validate:"min=0"`
	MaxThreads      int `mapstructure:"max_threads" yaml:"max_threads" validate:"min=0"`

	// MaxQueueSize bounds queued work. 0 is unbounded.
	MaxQueueSize int `mapstructure:"max_queue_size" yaml:"max_queue_size" validate:"min=0"`

	Socket SocketConfig `mapstructure:"socket" yaml:"socket"`

	// ConnectionTimeout is the default read and write timeout. -1 disables
	// it.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// KeepAliveTimeout applies while waiting for the next request.
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`

	// MaxKeepAliveRequests caps requests per connection. -1 is unlimited.
	MaxKeepAliveRequests int `mapstructure:"max_keep_alive_requests" yaml:"max_keep_alive_requests" validate:"min=-1"`

	// UnlockTimeout bounds each wait for an acceptor to leave accept().
	UnlockTimeout time.Duration `mapstructure:"unlock_timeout" yaml:"unlock_timeout" validate:"min=0"`

	// SelectorTimeout bounds each poller wait.
	SelectorTimeout time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout" validate:"min=0"`

	// ExecutorTerminationTimeout bounds the worker pool drain on stop.
	ExecutorTerminationTimeout time.Duration `mapstructure:"executor_termination_timeout" yaml:"executor_termination_timeout" validate:"min=0"`

	// AcceptRateLimit throttles accepted connections per second, with
	// bursts of AcceptRateBurst. 0 disables the throttle.
	AcceptRateLimit uint `mapstructure:"accept_rate_limit" yaml:"accept_rate_limit"`
	AcceptRateBurst uint `mapstructure:"accept_rate_burst" yaml:"accept_rate_burst"`

	// UseSendfile enables zero-copy file transfers.
	UseSendfile *bool `mapstructure:"use_sendfile" yaml:"use_sendfile"`

	// SendfileSize is the chunk size of buffered sendfile.
	SendfileSize int `mapstructure:"sendfile_size" yaml:"sendfile_size" validate:"min=0"`

	// PollerSize is the capacity of one native poll set.
	PollerSize int `mapstructure:"poller_size" yaml:"poller_size" validate:"min=0"`

	// TLS enables TLS termination when non-nil.
	TLS *TLSConfig `mapstructure:"tls" yaml:"tls,omitempty"`
}

// SocketConfig holds per-connection socket options. Zero buffer sizes keep
// the operating system defaults.
type SocketConfig struct {
	TCPNoDelay *bool `mapstructure:"tcp_no_delay" yaml:"tcp_no_delay"`

	// SoLingerTime is in seconds and only applies with SoLingerOn.
	SoLingerOn   bool `mapstructure:"so_linger_on" yaml:"so_linger_on"`
	SoLingerTime int  `mapstructure:"so_linger_time" yaml:"so_linger_time" validate:"min=0"`

	SoKeepAlive bool `mapstructure:"so_keep_alive" yaml:"so_keep_alive"`

	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period" validate:"min=0"`

	// Kernel socket buffer sizes.
	RxBufSize int `mapstructure:"rx_buf_size" yaml:"rx_buf_size" validate:"min=0"`
	TxBufSize int `mapstructure:"tx_buf_size" yaml:"tx_buf_size" validate:"min=0"`

	// Application buffer sizes.
	AppReadBufSize  int `mapstructure:"app_read_buf_size" yaml:"app_read_buf_size" validate:"min=0"`
	AppWriteBufSize int `mapstructure:"app_write_buf_size" yaml:"app_write_buf_size" validate:"min=0"`

	// BufferPool recycles connection buffers between connections.
	BufferPool *bool `mapstructure:"buffer_pool" yaml:"buffer_pool"`
}

// TLSConfig configures TLS termination.
type TLSConfig struct {
	// DefaultHost names the host used when the client sends no SNI or an
	// unknown one. Defaults to tlsconf.DefaultHostName.
	DefaultHost string `mapstructure:"default_host" yaml:"default_host"`

	Hosts []tlsconf.HostConfig `mapstructure:"hosts" yaml:"hosts" validate:"required,min=1,dive"`

	// ALPN lists the application protocols offered, in preference order.
	ALPN []string `mapstructure:"alpn" yaml:"alpn"`

	// Keystores are the certificate sources referenced by host
	// certificates, keyed by name.
	Keystores map[string]KeystoreConfig `mapstructure:"keystores" yaml:"keystores"`
}

// KeystoreConfig selects a keystore implementation and its options.
type KeystoreConfig struct {
	Type    string         `mapstructure:"type" yaml:"type" validate:"required,oneof=file s3 badger"`
	Options map[string]any `mapstructure:",remain" yaml:",inline"`
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendNIO
	}
	if c.Backlog == 0 {
		c.Backlog = 100
	}
	if c.BindOnInit == nil {
		c.BindOnInit = boolPtr(true)
	}
	if c.AcceptorThreadCount == 0 {
		c.AcceptorThreadCount = 1
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 8192
	}
	if c.MinSpareThreads == 0 {
		c.MinSpareThreads = 10
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = 200
	}
	if c.MinSpareThreads > c.MaxThreads {
		c.MinSpareThreads = c.MaxThreads
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 20 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = c.ConnectionTimeout
	}
	if c.MaxKeepAliveRequests == 0 {
		c.MaxKeepAliveRequests = 100
	}
	if c.UnlockTimeout == 0 {
		c.UnlockTimeout = 250 * time.Millisecond
	}
	if c.SelectorTimeout == 0 {
		c.SelectorTimeout = time.Second
	}
	if c.ExecutorTerminationTimeout == 0 {
		c.ExecutorTerminationTimeout = 5 * time.Second
	}
	if c.UseSendfile == nil {
		c.UseSendfile = boolPtr(true)
	}
	if c.SendfileSize == 0 {
		c.SendfileSize = 64 << 10
	}
	if c.PollerSize == 0 {
		c.PollerSize = 8192
	}
	c.Socket.applyDefaults()

	if c.TLS != nil {
		if c.TLS.DefaultHost == "" {
			c.TLS.DefaultHost = tlsconf.DefaultHostName
		}
		for i := range c.TLS.Hosts {
			c.TLS.Hosts[i].ApplyDefaults()
		}
	}
}

func (s *SocketConfig) applyDefaults() {
	if s.TCPNoDelay == nil {
		s.TCPNoDelay = boolPtr(true)
	}
	if s.AppReadBufSize == 0 {
		s.AppReadBufSize = 8192
	}
	if s.AppWriteBufSize == 0 {
		s.AppWriteBufSize = 8192
	}
	if s.BufferPool == nil {
		s.BufferPool = boolPtr(true)
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("endpoint: name is required")
	}
	switch c.Backend {
	case BackendNIO, BackendNative, BackendAsync:
	default:
		return fmt.Errorf("endpoint %s: unknown backend %q", c.Name, c.Backend)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("endpoint %s: invalid port %d: must be 0-65535", c.Name, c.Port)
	}
	if c.MaxConnections < -1 {
		return fmt.Errorf("endpoint %s: invalid max_connections %d: must be -1 or >= 0", c.Name, c.MaxConnections)
	}
	if c.MaxKeepAliveRequests < -1 {
		return fmt.Errorf("endpoint %s: invalid max_keep_alive_requests %d", c.Name, c.MaxKeepAliveRequests)
	}
	if c.ConnectionTimeout < 0 && c.ConnectionTimeout != -1 {
		return fmt.Errorf("endpoint %s: invalid connection_timeout %v", c.Name, c.ConnectionTimeout)
	}
	if c.AcceptRateBurst > 0 && c.AcceptRateLimit == 0 {
		return fmt.Errorf("endpoint %s: accept_rate_burst requires accept_rate_limit", c.Name)
	}
	if c.TLS != nil {
		if len(c.TLS.Hosts) == 0 {
			return fmt.Errorf("endpoint %s: tls requires at least one host", c.Name)
		}
		for i := range c.TLS.Hosts {
			if err := c.TLS.Hosts[i].Validate(); err != nil {
				return fmt.Errorf("endpoint %s: tls host %d: %w", c.Name, i, err)
			}
		}
	}
	return nil
}

// ConnectionLimitEnabled reports whether the limiter is active.
func (c *Config) ConnectionLimitEnabled() bool { return c.MaxConnections != -1 }

// SendfileEnabled reports whether sendfile may be used.
func (c *Config) SendfileEnabled() bool { return c.UseSendfile != nil && *c.UseSendfile }
