// Package config loads the settings of the peer client from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/blockbuffer"
	"github.com/I2PPlus/i2pplus-sub004/internal/handshake"
	"github.com/I2PPlus/i2pplus-sub004/internal/peer"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerconn/peerwriter"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerstate"
	"github.com/I2PPlus/i2pplus-sub004/internal/swarm"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for the peer client. Zero values are replaced by DefaultConfig when loading.
type Config struct {
	// Port to listen for incoming connections.
	Port int `yaml:"port"`
	// DataDir is where torrent files are saved.
	DataDir string `yaml:"data_dir"`
	// Database is the bbolt file for verified metadata and transfer totals.
	Database string `yaml:"database"`
	// Blocklist is an optional file of CIDR ranges that are never connected to.
	Blocklist string `yaml:"blocklist"`
	// Preallocate reserves disk space for new files.
	Preallocate bool `yaml:"preallocate"`

	// Piece buffers smaller than this are kept in memory, larger ones in TempDir.
	MemoryThreshold int64  `yaml:"memory_threshold"`
	MaxMemory       int64  `yaml:"max_memory"`
	TempDir         string `yaml:"temp_dir"`
	DiskWorkers     int    `yaml:"disk_workers"`

	MinPipeline         int   `yaml:"min_pipeline"`
	MaxPipeline         int   `yaml:"max_pipeline"`
	MaxUploadQueueBytes int64 `yaml:"max_upload_queue_bytes"`

	// Rate limits in bytes per second. Zero means unlimited.
	DownloadRate int64 `yaml:"download_rate"`
	UploadRate   int64 `yaml:"upload_rate"`

	ChokeSpacing    time.Duration `yaml:"choke_spacing"`
	ThrottleWait    time.Duration `yaml:"throttle_wait"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`

	ClientVersion    string        `yaml:"client_version"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ConnectRetries   uint64        `yaml:"connect_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	UploadSlots     int           `yaml:"upload_slots"`
	OptimisticSlots int           `yaml:"optimistic_slots"`
	UnchokeInterval time.Duration `yaml:"unchoke_interval"`
	MaxPeers        int           `yaml:"max_peers"`

	PieceCacheSize int64         `yaml:"piece_cache_size"`
	PieceCacheTTL  time.Duration `yaml:"piece_cache_ttl"`
}

// DefaultConfig is used when a file or a field is missing.
var DefaultConfig = Config{
	Port:                6881,
	DataDir:             "~/snark-peer/data",
	Database:            "~/snark-peer/resume.db",
	MemoryThreshold:     1 << 20,
	MaxMemory:           64 << 20,
	DiskWorkers:         4,
	MinPipeline:         peerstate.DefaultOptions.MinPipeline,
	MaxPipeline:         peerstate.DefaultOptions.MaxPipeline,
	MaxUploadQueueBytes: peerstate.DefaultOptions.MaxUploadQueueBytes,
	ChokeSpacing:        peerwriter.DefaultOptions.ChokeSpacing,
	ThrottleWait:        peerwriter.DefaultOptions.ThrottleWait,
	KeepAlivePeriod:     peerwriter.DefaultOptions.KeepAlivePeriod,
	ClientVersion:       "snark-peer 1.0",
	ConnectTimeout:      10 * time.Second,
	ConnectRetries:      2,
	HandshakeTimeout:    swarm.DefaultConfig.HandshakeTimeout,
	UploadSlots:         swarm.DefaultConfig.UploadSlots,
	OptimisticSlots:     swarm.DefaultConfig.OptimisticSlots,
	UnchokeInterval:     swarm.DefaultConfig.UnchokeInterval,
	MaxPeers:            swarm.DefaultConfig.MaxPeers,
	PieceCacheSize:      swarm.DefaultConfig.PieceCacheSize,
	PieceCacheTTL:       swarm.DefaultConfig.PieceCacheTTL,
}

// Load reads the YAML file at filename on top of DefaultConfig.
// A missing file is not an error. Paths starting with "~" are expanded.
func Load(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename) // nolint: gosec
	if os.IsNotExist(err) {
		return &c, c.expand()
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, c.expand()
}

func (c *Config) expand() error {
	for _, p := range []*string{&c.DataDir, &c.Database, &c.Blocklist, &c.TempDir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Swarm returns the settings of a swarm and its sessions.
func (c *Config) Swarm(peerID [20]byte) swarm.Config {
	return swarm.Config{
		Session: peer.Config{
			PeerID:  peerID,
			Options: handshake.NewOptions(true, true, false),
			State: peerstate.Options{
				MinPipeline:         c.MinPipeline,
				MaxPipeline:         c.MaxPipeline,
				MaxUploadQueueBytes: c.MaxUploadQueueBytes,
				ClientVersion:       c.ClientVersion,
			},
			Writer: peerwriter.Options{
				ChokeSpacing:    c.ChokeSpacing,
				ThrottleWait:    c.ThrottleWait,
				KeepAlivePeriod: c.KeepAlivePeriod,
			},
		},
		Buffers: blockbuffer.Options{
			MemoryThreshold: c.MemoryThreshold,
			MaxMemory:       c.MaxMemory,
			TempDir:         c.TempDir,
			DiskWorkers:     c.DiskWorkers,
		},
		UploadSlots:      c.UploadSlots,
		OptimisticSlots:  c.OptimisticSlots,
		UnchokeInterval:  c.UnchokeInterval,
		PieceCacheSize:   c.PieceCacheSize,
		PieceCacheTTL:    c.PieceCacheTTL,
		ParallelWrites:   c.DiskWorkers,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxPeers:         c.MaxPeers,
	}
}
