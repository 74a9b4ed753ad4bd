package l2

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/costinm/wfd-sinks/pkg/l2api"
	"github.com/costinm/wfd-sinks/pkg/wfd"
)

func (wi *WifiInterface) startWPAStream() error {
	for _, cmd := range []string{"ATTACH", "LEVEL 3"} {
		//0 = MSGDUMP
		//1 = DEBUG
		//2 = INFO - very verbose
		//3 = WARNING
		//4 = ERROR
		if _, err := wi.conn.Write([]byte(cmd)); err != nil {
			return fmt.Errorf("wpa: %s: %w", cmd, err)
		}
		buf := make([]byte, 2048)
		_ = wi.conn.SetReadDeadline(time.Now().Add(commandTimeout))
		br, err := wi.conn.Read(buf)
		_ = wi.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("wpa: %s: %w", cmd, err)
		}
		if ar := string(buf[0:br]); ar != "OK\n" {
			return fmt.Errorf("wpa: attaching to %s: %q", wi.ctrlName, ar)
		}
	}
	return nil
}

// Async events from wpa socket
func (wi *WifiInterface) onEvent(msg string) {
	parts := splitEvent(strings.TrimSpace(msg))
	if len(parts) == 0 {
		return
	}
	// <3>P2P...
	eventType := parts[0]
	if i := strings.IndexByte(eventType, '>'); i >= 0 {
		eventType = eventType[i+1:]
	}

	switch eventType {
	case "P2P-DEVICE-FOUND":
		wi.log.Debug("WPA_IN", zap.Strings("parts", parts))
		if p := wi.onP2PDeviceFound(parts); p != nil {
			wi.dispatch(l2api.PeerEvent{Type: l2api.PeerAdded, Peer: p})
		}

	case "P2P-DEVICE-LOST":
		// p2p_dev_addr=42:4e:36:8e:5d:e1
		wi.log.Debug("WPA_IN", zap.Strings("parts", parts))
		if p := wi.onP2PDeviceLost(parts); p != nil {
			wi.dispatch(l2api.PeerEvent{Type: l2api.PeerRemoved, Peer: p})
		}

	case "P2P-FIND-STOPPED", "P2P-DEVICE-LIST":
		// find stops on its own - the provider restarts it.

	case "P2P-GROUP-STARTED", "P2P-GROUP-REMOVED", "CTRL-EVENT-CONNECTED", "CTRL-EVENT-DISCONNECTED":
		wi.log.Info("WPA_IN", zap.Strings("parts", parts))

	default:
		wi.log.Debug("WPA_IN_UNKNOWN", zap.Strings("parts", parts))
	}
}

// splitEvent splits on spaces, keeping quoted values together:
// name='Living Room TV' stays one part, without the quotes.
func splitEvent(msg string) []string {
	res := []string{}
	var cur strings.Builder
	var quote rune
	has := false
	for _, r := range msg {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			has = true
		case r == ' ' || r == '\n' || r == '\t':
			if has {
				res = append(res, cur.String())
				cur.Reset()
				has = false
			}
		default:
			cur.WriteRune(r)
			has = true
		}
	}
	if has {
		res = append(res, cur.String())
	}
	return res
}

func partsToMap(parts []string, out map[string]string) {
	for _, record := range parts {
		nvs := strings.SplitN(record, "=", 2)
		if len(nvs) < 2 {
			continue
		}
		out[nvs[0]] = nvs[1]
	}
}

// parseWFDDevInfo decodes wfd_dev_info=0x00111c440032 into a device info
// subelement.
func parseWFDDevInfo(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil
	}
	return wfd.DeviceInfoSubelement(b)
}

// Peer found - name, MAC and WFD device info if the peer is a display.
//
// <3>P2P-DEVICE-FOUND 42:4e:36:8e:5d:e1 p2p_dev_addr=42:4e:36:8e:5d:e1 pri_dev_type=10-0050F204-5
//
//	name='Android_656a'
//	config_methods=0x188 dev_capab=0x25 group_capab=0x2b
//	wfd_dev_info=0x00111c440032
//	new=1
//
// The MAC and p2p_dev_addr may differ, the p2p_dev_addr is used as identity.
func (wi *WifiInterface) onP2PDeviceFound(parts []string) *l2api.Peer {
	if len(parts) < 2 {
		return nil
	}
	meta := map[string]string{}
	partsToMap(parts[2:], meta)

	mac := parts[1]
	if a := meta["p2p_dev_addr"]; a != "" {
		mac = a
	}

	wi.m.Lock()
	defer wi.m.Unlock()
	d := wi.P2PByMAC[mac]
	if d == nil {
		d = &l2api.Peer{ID: mac, HwAddress: mac, Device: wi.Interface}
		wi.P2PByMAC[mac] = d
	}
	d.LastSeen = time.Now()
	if n := meta["name"]; n != "" {
		d.Name = n
	}
	if ies := parseWFDDevInfo(meta["wfd_dev_info"]); ies != nil {
		d.WFDIEs = ies
	}
	cp := *d
	return &cp
}

func (wi *WifiInterface) onP2PDeviceLost(parts []string) *l2api.Peer {
	meta := map[string]string{}
	partsToMap(parts[1:], meta)
	mac := meta["p2p_dev_addr"]
	if mac == "" {
		return nil
	}

	wi.m.Lock()
	defer wi.m.Unlock()
	p := &l2api.Peer{ID: mac, HwAddress: mac, Device: wi.Interface}
	if d, f := wi.P2PByMAC[mac]; f {
		cp := *d
		p = &cp
		delete(wi.P2PByMAC, mac)
	}
	return p
}

func (wi *WifiInterface) dispatch(ev l2api.PeerEvent) {
	wi.m.Lock()
	defer wi.m.Unlock()
	for _, w := range wi.watchers {
		select {
		case w.in <- ev:
		case <-w.ctx.Done():
		}
	}
}

// Watch returns the P2P peer events of the interface.
func (wi *WifiInterface) Watch(ctx context.Context) (<-chan l2api.PeerEvent, error) {
	if wi.closed.Load() {
		return nil, errors.New("wpa: interface closed")
	}
	w := &watcher{ctx: ctx, in: make(chan l2api.PeerEvent)}
	wi.m.Lock()
	wi.watchers = append(wi.watchers, w)
	wi.m.Unlock()

	go func() {
		<-ctx.Done()
		wi.m.Lock()
		defer wi.m.Unlock()
		for i, o := range wi.watchers {
			if o == w {
				wi.watchers = append(wi.watchers[:i:i], wi.watchers[i+1:]...)
				close(w.in)
				return
			}
		}
	}()

	return l2api.Forward(ctx, w.in), nil
}

// StartFind starts P2P device discovery. wpa_supplicant stops it after the
// default find timeout, P2P-FIND-STOPPED is reported.
func (wi *WifiInterface) StartFind(ctx context.Context) error {
	return wi.SendCommandBool(ctx, "P2P_FIND")
}

// StopFind stops P2P device discovery.
func (wi *WifiInterface) StopFind(ctx context.Context) error {
	return wi.SendCommandBool(ctx, "P2P_STOP_FIND")
}

// Peers walks the wpa_supplicant peer table.
//
//	P2P_PEER FIRST -> first peer info, NEXT-addr for the following ones.
//	FAIL at the end.
func (wi *WifiInterface) Peers(ctx context.Context) ([]*l2api.Peer, error) {
	res := []*l2api.Peer{}
	cmd := "P2P_PEER FIRST"
	seen := map[string]bool{}
	for {
		resp, err := wi.SendCommand(ctx, cmd)
		if err != nil {
			return res, err
		}
		p := parsePeerInfo(resp)
		if p == nil || seen[p.ID] {
			return res, nil
		}
		seen[p.ID] = true
		p.Device = wi.Interface

		wi.m.Lock()
		if d, f := wi.P2PByMAC[p.ID]; f && p.Name == "" {
			p.Name = d.Name
		}
		wi.m.Unlock()

		res = append(res, p)
		cmd = "P2P_PEER NEXT-" + p.ID
	}
}

// parsePeerInfo parses a P2P_PEER response:
//
//	42:4e:36:8e:5d:e1
//	pri_dev_type=7-0050F204-1
//	device_name=Living Room TV
//	level=-54
//	wfd_subelems=00000600111c440032
func parsePeerInfo(resp string) *l2api.Peer {
	lines := strings.Split(strings.TrimSpace(resp), "\n")
	if len(lines) == 0 || lines[0] == "" || strings.HasPrefix(lines[0], "FAIL") {
		return nil
	}
	p := &l2api.Peer{ID: strings.TrimSpace(lines[0])}
	p.HwAddress = p.ID
	for _, l := range lines[1:] {
		kv := strings.SplitN(l, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "device_name":
			p.Name = kv[1]
		case "wfd_subelems":
			if b, err := hex.DecodeString(kv[1]); err == nil && len(b) > 0 {
				p.WFDIEs = b
			}
		case "level":
			if lvl, err := strconv.Atoi(kv[1]); err == nil {
				p.Strength = levelToStrength(lvl)
			}
		case "age":
			if age, err := strconv.Atoi(kv[1]); err == nil {
				p.LastSeen = time.Now().Add(-time.Duration(age) * time.Second)
			}
		}
	}
	return p
}

// levelToStrength maps dBm to 0-100, the way NetworkManager does.
func levelToStrength(dbm int) int {
	switch {
	case dbm >= -40:
		return 100
	case dbm <= -100:
		return 0
	}
	return (dbm + 100) * 100 / 60
}

// Status returns the parsed STATUS response.
func (wi *WifiInterface) Status(ctx context.Context) (map[string]string, error) {
	s, err := wi.SendCommand(ctx, "STATUS")
	if err != nil {
		return nil, err
	}

	res := map[string]string{}
	for _, l := range strings.Split(s, "\n") {
		kv := strings.SplitN(l, "=", 2)
		if len(kv) == 2 {
			res[kv[0]] = kv[1]
		}
	}
	return res, nil
}
