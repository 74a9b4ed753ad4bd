package l2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/internal/logging"
	"github.com/costinm/wfd-sinks/pkg/l2api"
)

// Implements the interface with wpa_supplicant on Linux devices, using the
// control socket. Commands are sent as datagrams, the P2P events are received
// on the same socket after ATTACH.

// For P2P_FIND to work: iw list must show P2P-device. P2P-client and P2P-go are not sufficient

// DefaultDir is the wpa_supplicant control directory on most distros.
const DefaultDir = "/var/run/wpa_supplicant/"

const commandTimeout = 5 * time.Second

var ErrTimeout = errors.New("wpa: command timeout")

// WPA is the client for a wpa_supplicant control directory.
type WPA struct {
	baseDir string

	// Directory for the local end of the control sockets.
	localDir string

	log *zap.Logger

	m sync.Mutex
	// P2P and normal interface are separated.
	Interfaces map[string]*WifiInterface
}

// WifiInterface is one wpa_supplicant interface, used as a P2P device.
type WifiInterface struct {
	wpa *WPA
	log *zap.Logger

	// Connection to wpa_supplicant control socket
	conn *net.UnixConn

	// Primary interface name.
	Interface string
	// Control socket name - p2p-dev-IFNAME if the driver has a dedicated
	// P2P device, otherwise IFNAME.
	ctrlName  string
	lsockname string

	// Used internally to match commands with responses.
	currentCommandResponse chan string

	// Held while a command is active. Usually commands return immediately.
	cmdMutex sync.Mutex

	m sync.Mutex
	// Keep track of discovered P2P devices, by P2P device address.
	P2PByMAC map[string]*l2api.Peer
	watchers []*watcher

	closed atomic.Bool
}

type watcher struct {
	ctx context.Context
	in  chan l2api.PeerEvent
}

var lsockSeq atomic.Int32

// NewWPA opens the control directory. baseDir defaults to
// /var/run/wpa_supplicant/. Interfaces are dialed on demand.
func NewWPA(baseDir string, log *zap.Logger) (*WPA, error) {
	if baseDir == "" {
		baseDir = DefaultDir
	}
	if log == nil {
		log = logging.Named("wpa")
	}
	st, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("wpa_supplicant control dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("wpa_supplicant control dir %s is not a directory", baseDir)
	}
	return &WPA{
		baseDir:    baseDir,
		localDir:   os.TempDir(),
		log:        log,
		Interfaces: map[string]*WifiInterface{},
	}, nil
}

func (w *WPA) Name() string { return "wpa_supplicant" }

// InterfaceNames lists the primary interfaces with a control socket.
// Group interfaces (p2p-IFNAME-N) and P2P device sockets are skipped.
func (w *WPA) InterfaceNames() ([]string, error) {
	f, err := os.Open(w.baseDir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(0)
	if err != nil {
		return nil, err
	}
	res := []string{}
	for _, n := range names {
		if strings.HasPrefix(n, "p2p-") {
			continue
		}
		res = append(res, n)
	}
	return res, nil
}

// Interface returns the connected interface for ifname, dialing it if needed.
func (w *WPA) Interface(ifname string) (*WifiInterface, error) {
	w.m.Lock()
	defer w.m.Unlock()
	if i, f := w.Interfaces[ifname]; f {
		return i, nil
	}
	i, err := w.dialWPA(ifname)
	if err != nil {
		return nil, err
	}
	w.Interfaces[ifname] = i
	return i, nil
}

// Close closes all interfaces.
func (w *WPA) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	for n, i := range w.Interfaces {
		i.Close()
		delete(w.Interfaces, n)
	}
	return nil
}

// dialWPA connects to the P2P control socket of an interface. Requires root
// or NET_ADMIN, or membership in the wpa_supplicant ctrl group.
func (w *WPA) dialWPA(ifname string) (*WifiInterface, error) {
	if len(ifname) == 0 {
		return nil, errors.New("wpa: missing interface name")
	}

	wi := &WifiInterface{
		wpa:                    w,
		log:                    w.log.With(zap.String("intf", ifname)),
		Interface:              ifname,
		P2PByMAC:               map[string]*l2api.Peer{},
		currentCommandResponse: make(chan string, 5),
	}

	var err error
	for _, n := range []string{"p2p-dev-" + ifname, ifname} {
		if _, serr := os.Stat(filepath.Join(w.baseDir, n)); serr != nil {
			err = serr
			continue
		}
		wi.ctrlName = n
		wi.conn, wi.lsockname, err = w.connectWPA(n)
		if err == nil {
			break
		}
	}
	if wi.conn == nil {
		return nil, fmt.Errorf("wpa: connecting to %s: %w", ifname, err)
	}

	if err := wi.startWPAStream(); err != nil {
		wi.Close()
		return nil, err
	}
	go wi.handleWPAStream()

	return wi, nil
}

func (w *WPA) connectWPA(intf string) (*net.UnixConn, string, error) {
	addr, err := net.ResolveUnixAddr("unixgram", filepath.Join(w.baseDir, intf))
	if err != nil {
		return nil, "", err
	}

	lsockname := filepath.Join(w.localDir,
		fmt.Sprintf("wpa_ctrl_%d_%d_%s", os.Getpid(), lsockSeq.Add(1), intf))
	_ = os.Remove(lsockname)

	laddr, err := net.ResolveUnixAddr("unixgram", lsockname)
	if err != nil {
		return nil, "", err
	}

	conn, err := net.DialUnix("unixgram", laddr, addr)
	if err != nil {
		return nil, "", err
	}

	w.log.Debug("Connected", zap.String("ctrl", addr.Name), zap.String("local", lsockname))
	return conn, lsockname, nil
}

// Name returns the interface name.
func (wi *WifiInterface) Name() string { return wi.Interface }

// Close detaches from wpa_supplicant and closes the socket. Watch channels are
// closed.
func (wi *WifiInterface) Close() error {
	if wi.closed.Swap(true) {
		return nil
	}
	if wi.conn != nil {
		_, _ = wi.conn.Write([]byte("DETACH"))
		wi.conn.Close()
	}
	if wi.lsockname != "" {
		os.Remove(wi.lsockname)
	}
	wi.m.Lock()
	for _, w := range wi.watchers {
		close(w.in)
	}
	wi.watchers = nil
	wi.m.Unlock()
	return nil
}

func (wi *WifiInterface) handleWPAStream() {
	buf := make([]byte, 4096)

	for {
		// single message
		bytesRead, err := wi.conn.Read(buf)
		if err != nil {
			if !wi.closed.Load() {
				wi.log.Warn("WPA stream error", zap.Error(err))
				wi.Close()
			}
			return
		}
		if bytesRead == 0 {
			continue
		}
		msg := string(buf[:bytesRead])
		if msg[0] == '<' {
			if strings.Contains(msg, "CTRL-EVENT-SCAN-STARTED") {
				continue
			}
			wi.onEvent(msg)
		} else {
			wi.onCommandResponse(msg)
		}
	}
}

// onCommandResponse is called to process command responses from wpa_supplicant.
func (wi *WifiInterface) onCommandResponse(msg string) {
	select {
	case wi.currentCommandResponse <- msg:
	default:
		wi.log.Debug("Response no command", zap.String("msg", msg))
	}
}

// SendCommand sends a raw control command and waits for the response.
func (wi *WifiInterface) SendCommand(ctx context.Context, command string) (string, error) {
	wi.cmdMutex.Lock()
	defer wi.cmdMutex.Unlock()

	if wi.closed.Load() {
		return "", net.ErrClosed
	}

	// Drop late responses of timed out commands.
	for len(wi.currentCommandResponse) > 0 {
		<-wi.currentCommandResponse
	}

	t1 := time.Now()
	if _, err := wi.conn.Write([]byte(command)); err != nil {
		return "", fmt.Errorf("wpa: %s: %w", command, err)
	}

	a := time.NewTimer(commandTimeout)
	defer a.Stop()
	select {
	case resp := <-wi.currentCommandResponse:
		wi.log.Debug("WPA_CMD", zap.Duration("took", time.Since(t1)), zap.String("cmd", command),
			zap.String("resp", strings.TrimSpace(firstLine(resp))))
		return resp, nil
	case <-a.C:
		return "", fmt.Errorf("%w: %s", ErrTimeout, command)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendCommandBool sends a command expecting an OK response.
func (wi *WifiInterface) SendCommandBool(ctx context.Context, command string) error {
	resp, err := wi.SendCommand(ctx, command)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != "OK" {
		return fmt.Errorf("wpa: %s: %s", command, strings.TrimSpace(resp))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
