package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/blocklist"
	"github.com/I2PPlus/i2pplus-sub004/internal/config"
	"github.com/I2PPlus/i2pplus-sub004/internal/jsonutil"
	"github.com/I2PPlus/i2pplus-sub004/internal/logger"
	"github.com/I2PPlus/i2pplus-sub004/internal/magnet"
	"github.com/I2PPlus/i2pplus-sub004/internal/metainfo"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/resumer"
	"github.com/I2PPlus/i2pplus-sub004/internal/resumer/boltdbresumer"
	"github.com/I2PPlus/i2pplus-sub004/internal/storage/filestorage"
	"github.com/I2PPlus/i2pplus-sub004/internal/swarm"
	"github.com/I2PPlus/i2pplus-sub004/internal/transport"
	"github.com/urfave/cli"
)

const defaultConfig = "~/.snark-peer.yaml"

var (
	log = logger.New("snark-peer")
	cfg *config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "snark-peer"
	app.Usage = "Download and seed torrents from known peers"
	app.Version = "1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	peerFlag := cli.StringSliceFlag{
		Name:  "peer, p",
		Usage: "connect to peer at `HOST:PORT`, can be given more than once",
	}
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download a torrent file, magnet link or info hash",
			ArgsUsage: "TORRENT",
			Action:    handleDownload,
			Flags: []cli.Flag{
				peerFlag,
				cli.BoolFlag{
					Name:  "seed",
					Usage: "continue seeding after download is finished",
				},
				cli.DurationFlag{
					Name:  "stats",
					Usage: "print stats every `INTERVAL`",
					Value: 5 * time.Second,
				},
			},
		},
		{
			Name:      "metadata",
			Usage:     "fetch info dictionary of a magnet link or info hash from peers",
			ArgsUsage: "MAGNET",
			Action:    handleMetadata,
			Flags: []cli.Flag{
				peerFlag,
				cli.StringFlag{
					Name:  "output, o",
					Usage: "save as torrent to `FILE`",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: time.Minute,
				},
			},
		},
		{
			Name:      "create",
			Usage:     "create a torrent file from a single file",
			ArgsUsage: "FILE",
			Action:    handleCreate,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Usage: "save torrent to `FILE`",
				},
				cli.StringSliceFlag{
					Name:  "tracker, t",
					Usage: "add tracker `URL`",
				},
				cli.StringFlag{
					Name:  "comment",
					Usage: "add `COMMENT` to torrent",
				},
				cli.UintFlag{
					Name:  "piece-length",
					Usage: "piece length in KiB, calculated from file size if not given",
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	var err error
	cfg, err = config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if c.GlobalBool("debug") {
		logger.SetDebug(true)
	}
	jsonutil.SetColor(isTerminal())
	metainfo.Creator = cfg.ClientVersion
	return nil
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// target is what is given on the command line to identify a torrent.
type target struct {
	infoHash [20]byte
	info     *metainfo.Info
	peers    []net.Addr
}

func parseTarget(arg string) (*target, error) {
	if arg == "" {
		return nil, errors.New("torrent argument is required")
	}
	if strings.HasPrefix(arg, "magnet:") {
		m, err := magnet.New(arg)
		if err != nil {
			return nil, err
		}
		return &target{infoHash: m.InfoHash, peers: m.PeerAddrs()}, nil
	}
	if ih, err := magnet.ParseInfoHash(arg); err == nil {
		return &target{infoHash: ih}, nil
	}
	f, err := os.Open(arg) // nolint: gosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mi, err := metainfo.New(f)
	if err != nil {
		return nil, err
	}
	return &target{infoHash: mi.Info.InfoHash(), info: mi.Info}, nil
}

func parsePeers(values []string) ([]net.Addr, error) {
	addrs := make([]net.Addr, 0, len(values))
	for _, v := range values {
		addr, err := net.ResolveTCPAddr("tcp", v)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", v, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func connectPeers(s *swarm.Swarm, addrs []net.Addr) {
	d := transport.NewTCPDialer(cfg.ConnectTimeout, cfg.ConnectRetries)
	for _, addr := range addrs {
		go func(addr net.Addr) {
			if err := s.AddPeer(context.Background(), d, addr); err != nil {
				log.Warningf("cannot connect to peer %s: %s", addr, err)
			}
		}(addr)
	}
}

func newSwarm(t *target, dest string, res resumer.Resumer, gate *bandwidth.Limiter) (*swarm.Swarm, error) {
	id, err := peerid.Generate()
	if err != nil {
		return nil, err
	}
	st, err := filestorage.New(dest)
	if err != nil {
		return nil, err
	}
	st.Preallocate = cfg.Preallocate
	sc := cfg.Swarm(id)
	if sc.Blocklist, err = loadBlocklist(cfg.Blocklist); err != nil {
		return nil, err
	}
	return swarm.New(context.Background(), t.infoHash, t.info, st, gate, res, sc)
}

func loadBlocklist(path string) (*blocklist.Blocklist, error) {
	bl := blocklist.New(log.Warningf)
	if path == "" {
		return bl, nil
	}
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := bl.Reload(f)
	if err != nil {
		return nil, fmt.Errorf("cannot load blocklist: %w", err)
	}
	log.Infof("loaded %d blocklist rules", n)
	return bl, nil
}

func handleDownload(c *cli.Context) error {
	t, err := parseTarget(c.Args().First())
	if err != nil {
		return err
	}
	extra, err := parsePeers(c.StringSlice("peer"))
	if err != nil {
		return err
	}
	t.peers = append(t.peers, extra...)
	if len(t.peers) == 0 {
		log.Warning("no peers given, waiting for incoming connections")
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0o750); err != nil {
		return err
	}
	res, err := boltdbresumer.Open(cfg.Database, []byte("torrents"))
	if err != nil {
		return err
	}
	defer res.Close()

	gate := bandwidth.New(cfg.DownloadRate, cfg.UploadRate, nil)
	defer gate.Stop()

	s, err := newSwarm(t, cfg.DataDir, res, gate)
	if err != nil {
		return err
	}
	defer s.Close()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		if err := s.Serve(ln); err != nil {
			log.Errorln("listener stopped:", err)
		}
	}()
	log.Infof("listening on %s for %s", ln.Addr(), hex.EncodeToString(t.infoHash[:]))
	connectPeers(s, t.peers)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	ticker := time.NewTicker(c.Duration("stats"))
	defer ticker.Stop()
	completeC := s.Completed()
	for {
		select {
		case <-ticker.C:
			if err = printStats(s.Stats()); err != nil {
				return err
			}
		case <-completeC:
			log.Info("download finished")
			if !c.Bool("seed") {
				return printStats(s.Stats())
			}
			completeC = nil
		case sig := <-sigC:
			log.Noticeln("received", sig)
			return nil
		}
	}
}

func printStats(st swarm.Stats) error {
	b, err := jsonutil.MarshalCompactPretty(st)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

// infoSummary is printed by the metadata command.
type infoSummary struct {
	InfoHash    string
	Name        string
	Private     bool
	PieceLength uint32
	Pieces      uint32
	TotalLength int64
	Files       []metainfo.FileDict
}

func handleMetadata(c *cli.Context) error {
	t, err := parseTarget(c.Args().First())
	if err != nil {
		return err
	}
	extra, err := parsePeers(c.StringSlice("peer"))
	if err != nil {
		return err
	}
	t.peers = append(t.peers, extra...)
	if len(t.peers) == 0 {
		return errors.New("at least one peer is required")
	}

	dir, err := os.MkdirTemp(cfg.TempDir, "snark-peer-metadata-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	gate := bandwidth.New(cfg.DownloadRate, cfg.UploadRate, nil)
	defer gate.Stop()
	s, err := newSwarm(t, dir, nil, gate)
	if err != nil {
		return err
	}
	defer s.Close()
	connectPeers(s, t.peers)

	select {
	case <-s.MetadataReady():
	case <-time.After(c.Duration("timeout")):
		return errors.New("timeout while fetching metadata")
	}
	info := s.Info()
	ih := info.InfoHash()
	summary := infoSummary{
		InfoHash:    hex.EncodeToString(ih[:]),
		Name:        info.Name,
		Private:     info.IsPrivate(),
		PieceLength: info.PieceSize,
		Pieces:      info.NumPieces(),
		TotalLength: info.TotalLength(),
		Files:       info.GetFiles(),
	}
	b, err := jsonutil.MarshalCompactPretty(summary)
	if err != nil {
		return err
	}
	if _, err = os.Stdout.Write(b); err != nil {
		return err
	}

	out := c.String("output")
	if out == "" {
		return nil
	}
	tb, err := metainfo.NewBytes(info.Bytes(), nil, "")
	if err != nil {
		return err
	}
	return os.WriteFile(out, tb, 0o600)
}

func handleCreate(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("file argument is required")
	}
	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errors.New("only single files are supported")
	}
	info, err := metainfo.NewInfoBytes(fi.Name(), f, fi.Size(), uint32(c.Uint("piece-length"))*1024)
	if err != nil {
		return err
	}
	var trackers [][]string
	for _, tr := range c.StringSlice("tracker") {
		trackers = append(trackers, []string{tr})
	}
	b, err := metainfo.NewBytes(info, trackers, c.String("comment"))
	if err != nil {
		return err
	}
	out := c.String("output")
	if out == "" {
		out = fi.Name() + ".torrent"
	}
	if err = os.WriteFile(out, b, 0o600); err != nil {
		return err
	}
	log.Infoln("created", out)
	return nil
}
