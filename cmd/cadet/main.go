package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quic-go/quic-go"

	"github.com/gnunet-go/cadet/internal/axolotl"
	"github.com/gnunet-go/cadet/internal/cadetlog"
	"github.com/gnunet-go/cadet/internal/channel"
	"github.com/gnunet-go/cadet/internal/config"
	"github.com/gnunet-go/cadet/internal/identity"
	"github.com/gnunet-go/cadet/internal/pathfind"
	"github.com/gnunet-go/cadet/internal/scheduler"
	"github.com/gnunet-go/cadet/internal/session"
	"github.com/gnunet-go/cadet/internal/transport"
	"github.com/gnunet-go/cadet/internal/tunnel"
)

// echoPort is the demo port this binary registers on startup: every
// channel opened against it gets its payload reflected back, the same
// round trip internal/session's tests drive, just over a real QUIC link.
const echoPort = 1

func main() {
	confPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Address to accept inbound QUIC connections on (empty disables listening)")
	dial := flag.String("dial", "", "addr=peer_hex pair to dial on startup (repeatable, comma-separated)")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	defer cadetlog.Logger.Sync()

	cadetlog.Logger.Info("cadet starting")

	idProvider, err := identity.Generate()
	if err != nil {
		cadetlog.Logger.Fatal("failed to generate local identity", zap.Error(err))
	}
	cadetlog.Logger.Warn("running with an ephemeral identity; production deployments must inject a persisted long-term key",
		zap.String("peer_id", idProvider.PeerID().String()))

	sched := scheduler.New()
	finder := pathfind.NewStaticDiscoverer(nil)

	tlsConf, err := generateTLSConfig()
	if err != nil {
		cadetlog.Logger.Fatal("failed to build TLS config", zap.Error(err))
	}

	// connTunnels tracks which tunnel owns each connection so the
	// adapter's readiness callback can route an inbound frame's payload
	// into that tunnel's Receive; dialPeer populates it once a dialed
	// connection has been bound to a peer's tunnel.
	var connTunnels sync.Map // transport.ID -> *tunnel.Tunnel
	onReady := func(ev transport.ReadinessEvent) {
		if ev.Direction != transport.DirectionInbound {
			return
		}
		v, ok := connTunnels.Load(ev.Conn.ID())
		if !ok {
			return
		}
		if err := v.(*tunnel.Tunnel).Receive(ev.Payload); err != nil {
			cadetlog.Logger.Debug("inbound frame rejected", zap.Error(err))
		}
	}
	adapter := transport.NewAdapter(tlsConf, onReady)

	tunCfg := tunnel.Config{
		AxolotlParams: axolotl.Params{
			RatchetMessages: config.GlobalCfg.Ratchet.Messages,
			RatchetTime:     config.GlobalCfg.Ratchet.Time,
			MaxSkippedKeys:  config.GlobalCfg.Ratchet.MaxSkippedKeys,
			MaxKeyGap:       config.GlobalCfg.Ratchet.MaxKeyGap,
		},
		MinChannelBuffer:  config.GlobalCfg.Tunnel.MinChannelBuffer,
		MaxChannelBuffer:  config.GlobalCfg.Tunnel.MaxChannelBuffer,
		DestroyEmptyDelay: config.GlobalCfg.Tunnel.DestroyEmptyDelay,
		ResendInterval:    config.GlobalCfg.Ratchet.ResendInterval,
	}

	var sess *session.Session
	mgr := session.NewTunnelManager(idProvider.PeerID(), idProvider, adapter, sched, tunCfg, finder,
		func(peer identity.PeerID) channel.PortLookup { return sess.PortLookupFor(peer) })
	dialer := func() (session.Manager, error) { return mgr, nil }
	sess = session.Connect(dialer, sched, config.GlobalCfg.Session)

	if err := sess.OpenPort(echoPort, func(ch *channel.Channel, peer identity.PeerID) session.ChannelHandlers {
		cadetlog.Logger.Info("incoming channel", zap.Uint32("channel", ch.ID), zap.String("peer", peer.String()))
		return session.ChannelHandlers{
			OnData: func(ch *channel.Channel, payload []byte) {
				echo := append([]byte(nil), payload...)
				_ = sess.ReceiveDone(ch)
				if err := sess.NotifyTransmitReady(ch, len(echo), func(buf []byte) int { return copy(buf, echo) }); err != nil {
					cadetlog.Logger.Debug("echo reply dropped", zap.Error(err))
				}
			},
			OnDisconnect: func(ch *channel.Channel) {
				cadetlog.Logger.Info("channel disconnected", zap.Uint32("channel", ch.ID))
			},
		}
	}); err != nil {
		cadetlog.Logger.Fatal("failed to open echo port", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *listenAddr != "" {
		go acceptLoop(ctx, *listenAddr, tlsConf, adapter)
	}

	for _, pair := range splitNonEmpty(*dial, ",") {
		addr, peer, err := parseDialTarget(pair)
		if err != nil {
			cadetlog.Logger.Error("skipping malformed -dial target", zap.String("target", pair), zap.Error(err))
			continue
		}
		go dialPeer(ctx, addr, peer, adapter, mgr, &connTunnels)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sess.Pump()
			mgr.Tick()
		case <-sigs:
			cadetlog.Logger.Info("cadet shutting down")
			mgr.Close()
			return
		}
	}
}

// acceptLoop accepts inbound QUIC connections and starts relaying their
// frames into the adapter's readiness events. It does not attribute a
// connection to any particular peer's tunnel: spec.md's connection
// layer (§6) resolves which peer a path belongs to before handing it to
// CADET, a bootstrap step this demo binary does not implement (see
// DESIGN.md). -dial remains the supported way to bring up a tunnel here.
func acceptLoop(ctx context.Context, addr string, tlsConf *tls.Config, adapter *transport.Adapter) {
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		cadetlog.Logger.Error("failed to listen", zap.String("addr", addr), zap.Error(err))
		return
	}
	defer ln.Close()
	cadetlog.Logger.Info("listening for inbound connections", zap.String("addr", addr))

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cadetlog.Logger.Error("accept failed", zap.Error(err))
			continue
		}
		conn := adapter.Accept(qc)
		go func() {
			if err := adapter.ReceiveLoop(ctx, conn, 1<<16); err != nil {
				cadetlog.Logger.Debug("receive loop ended", zap.Error(err))
			}
		}()
		cadetlog.Logger.Info("accepted inbound connection", zap.Uint64("conn", uint64(conn.ID())))
	}
}

// dialPeer opens a direct connection to a known peer, registers it with
// the session's tunnel manager, and records which tunnel now owns the
// connection so inbound frames can be routed to it.
func dialPeer(ctx context.Context, addr string, peer identity.PeerID, adapter *transport.Adapter, mgr *session.TunnelManager, connTunnels *sync.Map) {
	conn, err := adapter.Dial(ctx, addr)
	if err != nil {
		cadetlog.Logger.Error("dial failed", zap.String("addr", addr), zap.String("peer", peer.String()), zap.Error(err))
		return
	}
	go func() {
		if err := adapter.ReceiveLoop(ctx, conn, 1<<16); err != nil {
			cadetlog.Logger.Debug("receive loop ended", zap.Error(err))
		}
	}()

	if err := mgr.AddConnection(peer, conn); err != nil {
		cadetlog.Logger.Error("failed to register dialed connection", zap.Error(err))
		return
	}
	tun, err := mgr.TunnelTo(peer)
	if err != nil {
		cadetlog.Logger.Error("failed to resolve tunnel for dialed connection", zap.Error(err))
		return
	}
	connTunnels.Store(conn.ID(), tun)
}

func parseDialTarget(spec string) (addr string, peer identity.PeerID, err error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return "", identity.PeerID{}, fmt.Errorf("expected addr=peer_hex, got %q", spec)
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil || len(raw) != len(peer) {
		return "", identity.PeerID{}, fmt.Errorf("bad peer id %q", parts[1])
	}
	copy(peer[:], raw)
	return parts[0], peer, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

// generateTLSConfig builds a throwaway self-signed certificate for the
// QUIC transport. CADET's own peer authentication happens at the
// Axolotl/TUNNEL_KX layer (spec.md §4.1); TLS here only needs to satisfy
// QUIC's transport-level handshake requirement.
func generateTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"cadet"},
	}, nil
}
