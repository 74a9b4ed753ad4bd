package l2

import (
	"context"
	"encoding/hex"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/pkg/l2api"
	"github.com/costinm/wfd-sinks/pkg/wfd"
)

// MAC address is different from the p2p_dev_addr, which is used as identity.
const devFnd = "<3>P2P-DEVICE-FOUND da:50:e6:91:db:cb p2p_dev_addr=da:50:e6:91:5b:cb pri_dev_type=7-0050F204-1 name='Living Room TV' config_methods=0x188 dev_capab=0x25 group_capab=0xab wfd_dev_info=0x00111c440032 new=1"

const devFndPhone = "<3>P2P-DEVICE-FOUND 42:4e:36:8e:5d:e1 p2p_dev_addr=42:4e:36:8e:5d:e1 pri_dev_type=10-0050F204-5 name='Android_656a' config_methods=0x188 dev_capab=0x25 group_capab=0x2b new=1"

const devLost = "<3>P2P-DEVICE-LOST p2p_dev_addr=da:50:e6:91:5b:cb"

const peerTV = "da:50:e6:91:5b:cb\npri_dev_type=7-0050F204-1\ndevice_name=Living Room TV\nlevel=-70\nage=3\nwfd_subelems=00000600111c440032\n"

const peerPhone = "42:4e:36:8e:5d:e1\npri_dev_type=10-0050F204-5\ndevice_name=Android_656a\nlevel=-40\n"

// fakeSupplicant answers control commands on a unixgram socket, like
// wpa_supplicant does.
type fakeSupplicant struct {
	t    *testing.T
	conn *net.UnixConn

	m       sync.Mutex
	client  *net.UnixAddr
	cmds    []string
	replies map[string]string
}

func newFakeSupplicant(t *testing.T, dir, name string) *fakeSupplicant {
	addr := &net.UnixAddr{Name: filepath.Join(dir, name), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	require.NoError(t, err)
	fs := &fakeSupplicant{t: t, conn: conn, replies: map[string]string{
		"ATTACH":                          "OK\n",
		"LEVEL 3":                         "OK\n",
		"DETACH":                          "OK\n",
		"P2P_FIND":                        "OK\n",
		"P2P_PEER FIRST":                  peerTV,
		"P2P_PEER NEXT-da:50:e6:91:5b:cb": peerPhone,
		"P2P_PEER NEXT-42:4e:36:8e:5d:e1": "FAIL\n",
		"STATUS":                          "wpa_state=DISCONNECTED\np2p_device_address=ce:2f:71:c8:f3:99\n",
	}}
	t.Cleanup(func() { conn.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeSupplicant) serve() {
	buf := make([]byte, 4096)
	for {
		n, from, err := fs.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		cmd := string(buf[:n])
		fs.m.Lock()
		fs.client = from
		fs.cmds = append(fs.cmds, cmd)
		reply, f := fs.replies[cmd]
		fs.m.Unlock()
		if !f {
			reply = "UNKNOWN COMMAND\n"
		}
		if from != nil {
			fs.conn.WriteToUnix([]byte(reply), from)
		}
	}
}

func (fs *fakeSupplicant) event(msg string) {
	fs.m.Lock()
	to := fs.client
	fs.m.Unlock()
	_, err := fs.conn.WriteToUnix([]byte(msg), to)
	require.NoError(fs.t, err)
}

func (fs *fakeSupplicant) count(cmd string) int {
	fs.m.Lock()
	defer fs.m.Unlock()
	n := 0
	for _, c := range fs.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func newTestWPA(t *testing.T, ctrl string) (*WPA, *fakeSupplicant) {
	dir := t.TempDir()
	fs := newFakeSupplicant(t, dir, ctrl)
	w, err := NewWPA(dir, zap.NewNop())
	require.NoError(t, err)
	w.localDir = t.TempDir()
	t.Cleanup(func() { w.Close() })
	return w, fs
}

func TestSplitEvent(t *testing.T) {
	parts := splitEvent(devFnd)
	require.Len(t, parts, 10)
	assert.Equal(t, "<3>P2P-DEVICE-FOUND", parts[0])
	assert.Equal(t, "name=Living Room TV", parts[4])

	meta := map[string]string{}
	partsToMap(parts[2:], meta)
	assert.Equal(t, "Living Room TV", meta["name"])
	assert.Equal(t, "0x00111c440032", meta["wfd_dev_info"])
	assert.Equal(t, "1", meta["new"])
}

func TestParseWFDDevInfo(t *testing.T) {
	ies := parseWFDDevInfo("0x00111c440032")
	assert.Equal(t, "00000600111c440032", hex.EncodeToString(ies))

	di, err := wfd.ParseDeviceInfo(ies)
	require.NoError(t, err)
	assert.Equal(t, wfd.PrimarySink, di.Type)

	assert.Nil(t, parseWFDDevInfo(""))
	assert.Nil(t, parseWFDDevInfo("0x"))
	assert.Nil(t, parseWFDDevInfo("zz"))
}

func TestParsePeerInfo(t *testing.T) {
	p := parsePeerInfo(peerTV)
	require.NotNil(t, p)
	assert.Equal(t, "da:50:e6:91:5b:cb", p.ID)
	assert.Equal(t, "Living Room TV", p.Name)
	assert.Equal(t, 50, p.Strength)
	assert.Equal(t, "00000600111c440032", hex.EncodeToString(p.WFDIEs))
	assert.WithinDuration(t, time.Now().Add(-3*time.Second), p.LastSeen, time.Second)

	p = parsePeerInfo(peerPhone)
	require.NotNil(t, p)
	assert.Nil(t, p.WFDIEs)
	assert.Equal(t, 100, p.Strength)

	assert.Nil(t, parsePeerInfo("FAIL\n"))
	assert.Nil(t, parsePeerInfo(""))
}

func TestInterfaceNames(t *testing.T) {
	w, _ := newTestWPA(t, "wlan0")
	newFakeSupplicant(t, w.baseDir, "p2p-dev-wlan0")
	newFakeSupplicant(t, w.baseDir, "p2p-wlan0-0")

	names, err := w.InterfaceNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"wlan0"}, names)
}

func TestNewWPAMissingDir(t *testing.T) {
	_, err := NewWPA(filepath.Join(t.TempDir(), "missing"), zap.NewNop())
	assert.Error(t, err)
}

func TestDialPrefersP2PDevice(t *testing.T) {
	w, fs := newTestWPA(t, "p2p-dev-wlan0")
	newFakeSupplicant(t, w.baseDir, "wlan0")

	wi, err := w.Interface("wlan0")
	require.NoError(t, err)
	assert.Equal(t, "p2p-dev-wlan0", wi.ctrlName)
	assert.Equal(t, "wlan0", wi.Name())
	assert.Equal(t, 1, fs.count("ATTACH"))

	again, err := w.Interface("wlan0")
	require.NoError(t, err)
	assert.Same(t, wi, again)

	_, err = w.Interface("wlan1")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	w, fs := newTestWPA(t, "wlan0")
	wi, err := w.Interface("wlan0")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, wi.StartFind(ctx))
	assert.Equal(t, 1, fs.count("P2P_FIND"))

	assert.Error(t, wi.StopFind(ctx))

	st, err := wi.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DISCONNECTED", st["wpa_state"])

	peers, err := wi.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "Living Room TV", peers[0].Name)
	assert.Equal(t, "wlan0", peers[0].Device)
	assert.Equal(t, "Android_656a", peers[1].Name)
}

func TestPeerEvents(t *testing.T) {
	w, fs := newTestWPA(t, "wlan0")
	wi, err := w.Interface("wlan0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := wi.Watch(ctx)
	require.NoError(t, err)

	next := func() l2api.PeerEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
		return l2api.PeerEvent{}
	}

	fs.event(devFnd)
	ev := next()
	assert.Equal(t, l2api.PeerAdded, ev.Type)
	assert.Equal(t, "da:50:e6:91:5b:cb", ev.Peer.ID)
	assert.Equal(t, "Living Room TV", ev.Peer.Name)
	assert.Equal(t, "wlan0", ev.Peer.Device)
	assert.Equal(t, "00000600111c440032", hex.EncodeToString(ev.Peer.WFDIEs))

	fs.event(devFndPhone)
	ev = next()
	assert.Equal(t, "42:4e:36:8e:5d:e1", ev.Peer.ID)
	assert.Nil(t, ev.Peer.WFDIEs)

	fs.event("<3>CTRL-EVENT-SCAN-STARTED ")
	fs.event(devLost)
	ev = next()
	assert.Equal(t, l2api.PeerRemoved, ev.Type)
	assert.Equal(t, "da:50:e6:91:5b:cb", ev.Peer.ID)
	assert.Equal(t, "Living Room TV", ev.Peer.Name)

	// Closing the interface ends the stream.
	wi.Close()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}
