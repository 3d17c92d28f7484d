// Package config defines the server's runtime configuration, loaded
// either from explicit defaults or from a strict YAML file.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SlowSubscriberPolicy names what a publishing session does when a
// subscriber's outbound queue is full.
type SlowSubscriberPolicy uint8

const (
	// DropNonKey discards the new packet unless it's a keyframe or
	// sequence header, keeping the subscriber's queue bounded without
	// disconnecting it outright.
	DropNonKey SlowSubscriberPolicy = iota
	// Disconnect tears down the subscriber once its queue is full.
	Disconnect
	// Block lets the publishing session's fan-out wait for room, which
	// trades publisher throughput for never dropping a frame.
	Block
)

func (p SlowSubscriberPolicy) String() string {
	switch p {
	case DropNonKey:
		return "drop_non_key"
	case Disconnect:
		return "disconnect"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// UnmarshalYAML lets the policy be named in config files.
func (p *SlowSubscriberPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "drop_non_key", "":
		*p = DropNonKey
	case "disconnect":
		*p = Disconnect
	case "block":
		*p = Block
	default:
		return errors.Errorf("config: unknown slow_subscriber_policy %q", s)
	}
	return nil
}

// Config holds everything the server and its sessions need at startup.
type Config struct {
	ListenAddr          string               `yaml:"listen_addr"`
	AppName             string               `yaml:"app_name"`
	DefaultOutChunkSize uint32               `yaml:"default_out_chunk_size"`
	WindowAckSize       uint32               `yaml:"window_ack_size"`
	PeerBandwidth       uint32               `yaml:"peer_bandwidth"`
	GopCacheMaxPackets  int                  `yaml:"gop_cache_max_packets"`
	GopCacheMaxBytes    int                  `yaml:"gop_cache_max_bytes"`
	WriteQueueSize      int                  `yaml:"write_queue_size"`
	SlowSubscriberPolicy SlowSubscriberPolicy `yaml:"slow_subscriber_policy"`
	HandshakeTimeout    time.Duration        `yaml:"handshake_timeout"`
	IdleTimeout         time.Duration        `yaml:"idle_timeout"`
}

// Default returns the configuration a bare `rtmpd` invocation runs with.
func Default() Config {
	return Config{
		ListenAddr:           ":1935",
		AppName:              "app",
		DefaultOutChunkSize:  4096,
		WindowAckSize:        2500000,
		PeerBandwidth:        2500000,
		GopCacheMaxPackets:   1024,
		GopCacheMaxBytes:     8 << 20,
		WriteQueueSize:       256,
		SlowSubscriberPolicy: DropNonKey,
		HandshakeTimeout:     5 * time.Second,
		IdleTimeout:          60 * time.Second,
	}
}

// Load reads and strictly decodes a YAML config file over Default's
// values: a field the file does not mention keeps its default, while a
// field the file sets, even to zero, takes the file's value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read file")
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: decode yaml")
	}
	return cfg, nil
}
