package swarm

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/I2PPlus/i2pplus-sub004/internal/bandwidth"
	"github.com/I2PPlus/i2pplus-sub004/internal/bitfield"
	"github.com/I2PPlus/i2pplus-sub004/internal/blocklist"
	"github.com/I2PPlus/i2pplus-sub004/internal/metainfo"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerid"
	"github.com/I2PPlus/i2pplus-sub004/internal/peerstate"
	"github.com/I2PPlus/i2pplus-sub004/internal/resumer/boltdbresumer"
	"github.com/I2PPlus/i2pplus-sub004/internal/storage/filestorage"
	"github.com/I2PPlus/i2pplus-sub004/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pieceLength = 32 * 1024

func testData(t *testing.T, size int) ([]byte, *metainfo.Info) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(data) // nolint: gosec
	b, err := metainfo.NewInfoBytes("data.bin", bytes.NewReader(data), int64(size), pieceLength)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	return data, info
}

func testConfig(id byte) Config {
	cfg := DefaultConfig
	cfg.Session.PeerID = [20]byte{'-', 'T', 'T', id}
	cfg.UnchokeInterval = 100 * time.Millisecond
	return cfg
}

func newSwarm(t *testing.T, dir string, ih [20]byte, info *metainfo.Info, cfg Config) *Swarm {
	t.Helper()
	st, err := filestorage.New(dir)
	require.NoError(t, err)
	gate := bandwidth.New(0, 0, nil)
	t.Cleanup(gate.Stop)
	s, err := New(context.Background(), ih, info, st, gate, nil, cfg)
	require.NoError(t, err)
	return s
}

func TestPiecePicking(t *testing.T) {
	_, info := testData(t, 4*pieceLength)
	s := newSwarm(t, t.TempDir(), info.InfoHash(), info, testConfig(1))
	defer s.Close()

	p := peerid.New([20]byte{1}, nil)
	bf := bitfield.New(4)
	bf.Set(1)
	bf.Set(2)
	assert.True(t, s.GotBitfield(p, bf))

	buf1 := s.GetPartialPiece(p, bf)
	require.NotNil(t, buf1)
	assert.Equal(t, uint32(1), buf1.Index)
	buf2 := s.GetPartialPiece(p, bf)
	require.NotNil(t, buf2)
	assert.Equal(t, uint32(2), buf2.Index)
	assert.Nil(t, s.GetPartialPiece(p, bf))
	assert.False(t, s.NeedPiece(p, bf))
	assert.True(t, s.GotHave(p, 3))

	// Partial piece is adopted by the next peer, empty one is picked again.
	require.NoError(t, buf2.Write(0, make([]byte, 16*1024)))
	s.SavePartialPieces(p, []*peerstate.Request{{Piece: 1, Buffer: buf1}, {Piece: 2, Buffer: buf2}})
	assert.True(t, s.NeedPiece(p, bf))

	other := peerid.New([20]byte{2}, nil)
	adopted := s.GetPartialPiece(other, bf)
	assert.Same(t, buf2, adopted)
	next := s.GetPartialPiece(other, bf)
	require.NotNil(t, next)
	assert.Equal(t, uint32(1), next.Index)
	_ = adopted.Release()
	_ = next.Release()
}

func TestCorruptPieceIsRequestedAgain(t *testing.T) {
	_, info := testData(t, 2*pieceLength)
	s := newSwarm(t, t.TempDir(), info.InfoHash(), info, testConfig(1))
	defer s.Close()

	p := peerid.New([20]byte{1}, nil)
	bf := bitfield.New(2)
	bf.SetAll()
	buf := s.GetPartialPiece(p, bf)
	require.NotNil(t, buf)
	require.NoError(t, buf.Write(0, make([]byte, 16*1024)))
	require.NoError(t, buf.Write(16*1024, make([]byte, 16*1024)))
	assert.False(t, s.GotPiece(p, buf))
	_ = buf.Release()

	again := s.GetPartialPiece(p, bf)
	require.NotNil(t, again)
	assert.Equal(t, buf.Index, again.Index)
	_ = again.Release()
}

func TestGotPieceAndRequest(t *testing.T) {
	data, info := testData(t, 2*pieceLength+100)
	dir := t.TempDir()
	s := newSwarm(t, dir, info.InfoHash(), info, testConfig(1))

	p := peerid.New([20]byte{1}, nil)
	bf := bitfield.New(3)
	bf.Set(2)
	buf := s.GetPartialPiece(p, bf)
	require.NotNil(t, buf)
	require.Equal(t, uint32(100), buf.Length())
	assert.Nil(t, s.GotRequest(p, 2, 0, 100))
	require.NoError(t, buf.Write(0, data[2*pieceLength:]))
	require.True(t, s.GotPiece(p, buf))

	assert.Equal(t, data[2*pieceLength+10:2*pieceLength+30], s.GotRequest(p, 2, 10, 20))
	assert.Nil(t, s.GotRequest(p, 2, 90, 20))
	assert.False(t, s.Complete())
	assert.True(t, s.Bitfield().Test(2))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[2*pieceLength:], b[2*pieceLength:])
}

func TestMagnetDownload(t *testing.T) {
	data, info := testData(t, 5*pieceLength+1234)
	seedDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "data.bin"), data, 0o600))

	seeder := newSwarm(t, seedDir, info.InfoHash(), info, testConfig(1))
	defer seeder.Close()
	select {
	case <-seeder.Completed():
	default:
		t.Fatal("seeder must be complete after verification")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = seeder.Serve(ln) }()

	leechDir := t.TempDir()
	res, err := boltdbresumer.Open(filepath.Join(t.TempDir(), "resume.db"), []byte("torrents"))
	require.NoError(t, err)
	defer res.Close()

	st, err := filestorage.New(leechDir)
	require.NoError(t, err)
	gate := bandwidth.New(0, 0, nil)
	defer gate.Stop()
	leecher, err := New(context.Background(), info.InfoHash(), nil, st, gate, res, testConfig(2))
	require.NoError(t, err)
	assert.Nil(t, leecher.Metadata())

	err = leecher.AddPeer(context.Background(), transport.NewTCPDialer(time.Second, 0), ln.Addr())
	require.NoError(t, err)

	select {
	case <-leecher.Completed():
	case <-time.After(10 * time.Second):
		t.Fatalf("download did not complete: %+v", leecher.Stats())
	}
	stats := leecher.Stats()
	assert.Equal(t, uint32(6), stats.Pieces.Have)
	assert.GreaterOrEqual(t, stats.Bytes.Downloaded, int64(len(data)))
	require.NoError(t, leecher.Close())

	b, err := os.ReadFile(filepath.Join(leechDir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, b)

	// Info and totals are loaded from the resumer on restart.
	again, err := New(context.Background(), info.InfoHash(), nil, st, gate, res, testConfig(2))
	require.NoError(t, err)
	defer again.Close()
	require.NotNil(t, again.Info())
	assert.True(t, again.Complete())
	assert.GreaterOrEqual(t, again.Stats().Bytes.Downloaded, stats.Bytes.Downloaded)
}

func TestBlockedPeer(t *testing.T) {
	_, info := testData(t, pieceLength)
	cfg := testConfig(1)
	cfg.Blocklist = blocklist.New(nil)
	cfg.Blocklist.Ban(net.IPv4(127, 0, 0, 1))
	s := newSwarm(t, t.TempDir(), info.InfoHash(), info, cfg)
	defer s.Close()

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
	err := s.AddPeer(context.Background(), transport.NewTCPDialer(time.Second, 0), addr)
	assert.Equal(t, errBlocked, err)
}
