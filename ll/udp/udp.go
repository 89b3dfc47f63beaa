// Package udp carries EtherCAT frames in UDP datagrams to a multicast
// group, for slaves reachable over IP.
package udp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/distributed/ecmaster/ecfr"
	"github.com/distributed/ecmaster/eclog"
	"github.com/distributed/ecmaster/ecmd"
)

const (
	EthercatUDPPort = 0x88a4
)

const (
	udpReceiveBuflen = 1500
)

// Transport implements ecmd.Transport. The Ethernet header of outgoing
// frames is stripped; received payloads get one added again whose source
// marks them as returned.
type Transport struct {
	sock      *net.UDPConn
	mcsock    *ipv4.PacketConn
	group     net.IP
	iface     *net.Interface
	laddr     *net.UDPAddr
	groupaddr *net.UDPAddr

	rbuf []byte
}

var _ ecmd.Transport = (*Transport)(nil)

func New(iface *net.Interface, group net.IP) (t *Transport, err error) {
	t = &Transport{
		group:     group,
		iface:     iface,
		laddr:     &net.UDPAddr{IP: net.IPv4zero, Port: EthercatUDPPort},
		groupaddr: &net.UDPAddr{IP: group, Port: EthercatUDPPort},
		rbuf:      make([]byte, udpReceiveBuflen),
	}

	t.sock, err = net.ListenUDP("udp4", t.laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen: %w", err)
	}

	t.mcsock = ipv4.NewPacketConn(t.sock)

	steps := []struct {
		what string
		do   func() error
	}{
		{"set multicast interface", func() error { return t.mcsock.SetMulticastInterface(t.iface) }},
		{"join group", func() error { return t.mcsock.JoinGroup(t.iface, &net.UDPAddr{IP: group}) }},
		{"disable multicast loopback", func() error { return t.mcsock.SetMulticastLoopback(false) }},
	}
	for _, s := range steps {
		if err = s.do(); err != nil {
			t.Close()
			return nil, fmt.Errorf("udp: %s: %w", s.what, err)
		}
	}

	eclog.LogInfo(eclog.ComponentLink, "udp transport open", "interface", iface.Name, "group", group.String())
	return t, nil
}

// udpPayload returns the EtherCAT frame inside an Ethernet frame, without
// the padding.
func udpPayload(frame []byte) ([]byte, error) {
	ef, err := ecfr.DecodeETHFrame(frame)
	if err != nil {
		return nil, err
	}

	var h ecfr.Header
	if _, err = h.Overlay(ef.Payload); err != nil {
		return nil, err
	}
	n := ecfr.FrameHeaderLength + int(h.FrameLength())
	if n > len(ef.Payload) {
		return nil, fmt.Errorf("udp: frame header claims %d bytes, have %d", n, len(ef.Payload))
	}
	return ef.Payload[:n], nil
}

// ethFrame wraps a received EtherCAT frame.
func ethFrame(payload []byte) ([]byte, error) {
	src := append(net.HardwareAddr(nil), ecfr.MasterMAC...)
	src[0] |= 0x02
	return ecfr.EncodeETHFrame(nil, src, payload)
}

func (t *Transport) Send(frame []byte) error {
	p, err := udpPayload(frame)
	if err != nil {
		return err
	}
	_, err = t.sock.WriteTo(p, t.groupaddr)
	return errorMask(err)
}

func (t *Transport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	for {
		n, _, err := t.sock.ReadFromUDP(t.rbuf)
		if isTimeout(err) {
			return nil, ecmd.ErrNoFrame
		}
		if err = errorMask(err); err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		frame, err := ethFrame(t.rbuf[:n])
		if err != nil {
			// discard malformed frames
			eclog.LogDebug(eclog.ComponentLink, "discarding udp frame", "error", err)
			continue
		}
		return frame, nil
	}
}

func (t *Transport) Close() error {
	if t.mcsock != nil {
		t.mcsock.LeaveGroup(t.iface, &net.UDPAddr{IP: t.group})
	}
	if t.sock != nil {
		return t.sock.Close()
	}
	return nil
}

func isTimeout(err error) bool {
	return err != nil && errors.Is(err, os.ErrDeadlineExceeded)
}
