package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	maxReconnectInterval     = time.Minute

	statusOnline  = "online"
	statusOffline = "offline"
)

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// The broker marks the daemon offline if the connection drops.
	opts.SetWill(statusTopic(cfg.TopicPrefix), statusOffline, 1, true)

	return opts
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

func sensorsTopic(prefix, device string) string {
	return prefix + "/" + device + "/sensors"
}

func stateTopic(prefix, device string) string {
	return prefix + "/" + device + "/state"
}

func availabilityTopic(prefix, device string) string {
	return prefix + "/" + device + "/availability"
}
