package server

import "time"

type BackendConfig struct {
	Host string `default:"127.0.0.1" usage:"The [host] of the Minecraft server that logins are forwarded to"`
	Port int    `default:"25566" usage:"The [port] of the Minecraft server that logins are forwarded to"`
}

// StatusConfig provides the defaults of the status settings. A settings file may override any of them.
type StatusConfig struct {
	VersionName     string        `default:"Loadless" usage:"Version name shown in the server list"`
	VersionProtocol int           `default:"754" usage:"Protocol number reported in status responses"`
	MaxPlayers      int           `default:"100" usage:"Max players reported when the backend does not answer"`
	OnlinePlayers   int           `default:"0" usage:"Online players reported when the backend does not answer"`
	Motd            string        `default:"§aLoadless Proxy Server" usage:"Message of the day shown in the server list"`
	OfflineLabel    string        `default:"Offline" usage:"Version name shown instead when the backend refuses connections"`
	Favicon         string        `default:"server-icon.png" usage:"Path to a 64x64 PNG shown as the server icon"`
	FaviconTtl      time.Duration `default:"60s" usage:"How long a loaded, or failed, favicon is reused before the file is read again"`
}

type TimeoutsConfig struct {
	Handshake     time.Duration `default:"5s" usage:"Time allowed for a client to send its handshake, status request and login start"`
	Ping          time.Duration `default:"500ms" usage:"Time to wait for the ping that may follow a status response"`
	Probe         time.Duration `default:"2s" usage:"Time allowed for the backend to answer a status probe"`
	Dial          time.Duration `default:"5s" usage:"Time allowed to connect to the backend for a login"`
	TunnelIdle    time.Duration `default:"30s" usage:"A tunnel with no traffic in one direction for this long is closed"`
	ShutdownDrain time.Duration `default:"10s" usage:"Time to let active sessions finish before they are closed on shutdown"`
}

type WebhookConfig struct {
	Url string `usage:"If set, a POST request that contains connection status notifications will be sent to this HTTP address"`
}

type MqttConfig struct {
	Broker      string `usage:"If set, connection notifications are published to this MQTT broker, such as tcp://localhost:1883"`
	ClientId    string `default:"loadless-proxy" usage:"MQTT client identifier"`
	Username    string `usage:"MQTT username"`
	Password    string `usage:"MQTT password. It is HIGHLY recommended to pass as an environment variable."`
	TopicPrefix string `default:"loadless" usage:"Prefix of the topics that notifications are published to"`
}

type RedisConfig struct {
	Addr     string `usage:"If set, connected players are mirrored into a hash on this Redis [host:port]"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database number"`
	Key      string `default:"loadless:players" usage:"Key of the hash that holds connected players"`
}

type NgrokConfig struct {
	Token      string `usage:"If set, an ngrok tunnel will be established. It is HIGHLY recommended to pass as an environment variable."`
	RemoteAddr string `usage:"If set, the TCP address to request for this edge"`
}

type DockerConfig struct {
	Socket          string `default:"unix:///var/run/docker.sock" usage:"Path to Docker socket to use"`
	Timeout         int    `default:"0" usage:"Timeout configuration in seconds for the Docker integration"`
	RefreshInterval int    `default:"15" usage:"Refresh interval in seconds for the Docker integration"`
	ApiVersion      string `usage:"Instead of auto-negotiating, use specific Docker API version"`
}

type Config struct {
	Host                 string `default:"0.0.0.0" usage:"The [host] bound to listen for Minecraft client connections"`
	Port                 int    `default:"25565" usage:"The [port] bound to listen for Minecraft client connections"`
	Backend              BackendConfig
	Status               StatusConfig
	Timeouts             TimeoutsConfig
	Settings             string `usage:"Path to a YAML, JSON or TOML settings file that overrides the backend and status values. It is re-read when it changes"`
	ApiBinding           string `usage:"The [host:port] bound for servicing API requests"`
	CpuProfile           string `usage:"Enables CPU profiling and writes to given path"`
	ConnectionRateLimit  int    `default:"1" usage:"Max number of connections to allow per second"`
	MetricsBackend       string `default:"discard" usage:"Backend to use for metrics exposure/publishing: discard,expvar,influxdb,prometheus"`
	MetricsBackendConfig MetricsBackendConfig
	UseProxyProtocol     bool     `default:"false" usage:"Send PROXY protocol to the backend server"`
	ReceiveProxyProtocol bool     `default:"false" usage:"Receive PROXY protocol from clients, by default trusts every proxy header that it receives, combine with -trusted-proxies to specify a list of trusted proxies"`
	TrustedProxies       []string `usage:"Comma delimited list of CIDR notation IP blocks to trust when receiving PROXY protocol"`
	RecordLogins         bool     `default:"false" usage:"Log and generate metrics on player logins. Metrics only supported with influxdb or prometheus backend"`
	Ngrok                NgrokConfig

	ClientsToAllow  []string `usage:"Zero or more client IP addresses or CIDRs to allow. Takes precedence over deny."`
	ClientsToDeny   []string `usage:"Zero or more client IP addresses or CIDRs to deny. Ignored if any configured to allow"`
	PlayerAllowDeny string   `usage:"Path to a JSON file with a player allowlist and denylist checked at login"`

	Webhook WebhookConfig `usage:"Webhook configuration"`
	Mqtt    MqttConfig
	Redis   RedisConfig

	InDocker      bool `usage:"Use Docker discovery of the backend server"`
	Docker        DockerConfig
	InKubeCluster bool   `usage:"Use in-cluster Kubernetes config"`
	KubeConfig    string `usage:"The path to a Kubernetes configuration file"`
	KubeNamespace string `usage:"The namespace to watch or blank for all, which is the default"`
}
