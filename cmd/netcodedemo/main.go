// Command netcodedemo runs a server listener and a client dialer against
// each other over loopback UDP in a single process: a matchmaker seals a
// connect token, the client handshakes against the server, and once
// connected the client sends the server a chat message and a block
// message; the demo shuts down once the server has received the block. It exists to exercise the wire protocol end to end, the
// way core/main.go exercises the RakNet server.
package main

import (
	"crypto/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironwire/netcode/aead"
	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/handshake"
	"github.com/ironwire/netcode/internal/xlog"
	"github.com/ironwire/netcode/message"
	"github.com/ironwire/netcode/netcode"
	"github.com/ironwire/netcode/token"
	"github.com/ironwire/netcode/wire"
)

const version = "0.1.0"

// A single leading byte demuxes unencrypted handshake datagrams from
// AEAD-encrypted connection datagrams on the shared UDP socket.
const (
	classHandshake  byte = 0
	classConnection byte = 1
)

const chatMessageType uint32 = 0

type chatMessage struct {
	text string
}

func (m *chatMessage) Type() uint32 { return chatMessageType }

func (m *chatMessage) Serialize(s *bitstream.Stream) bool {
	n := int64(len(m.text))
	if !s.SerializeInt(&n, 0, 255) {
		return false
	}
	b := []byte(m.text)
	if s.Mode() == bitstream.ModeRead {
		b = make([]byte, n)
	}
	if !s.SerializeBytes(b) {
		return false
	}
	if s.Mode() == bitstream.ModeRead {
		m.text = string(b)
	}
	return true
}

func chatFactory(msgType uint32) (message.Message, bool) {
	if msgType != chatMessageType {
		return nil, false
	}
	return &chatMessage{}, true
}

func main() {
	xlog.Banner("netcode demo", version)
	log := xlog.Named("main")

	protocolID := uint32(0x1CE0FF)

	var privateKey [32]byte
	if _, err := rand.Read(privateKey[:]); err != nil {
		log.WithError(err).Fatal("generate matchmaker private key")
	}

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		log.WithError(err).Fatal("bind server socket")
	}
	defer serverConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		log.WithError(err).Fatal("bind client socket")
	}
	defer clientConn.Close()

	tok, err := token.New(protocolID, 1, time.Now().Unix(), 30, []*net.UDPAddr{serverAddr})
	if err != nil {
		log.WithError(err).Fatal("mint connect token")
	}
	const tokenNonceSeq = 1
	sealed, err := token.Seal(tok, token.NonceFromSequence(tokenNonceSeq), nil, privateKey)
	if err != nil {
		log.WithError(err).Fatal("seal connect token")
	}

	hscfg := handshake.DefaultConfig()
	hscfg.ProtocolID = protocolID
	hscfg.MaxClients = 8

	srv := handshake.NewServer(hscfg, serverAddr, privateKey)
	cli := handshake.NewClient(hscfg, tok, sealed, tokenNonceSeq, serverAddr)

	codec := &wire.Codec{ProtocolID: protocolID, NumTypes: handshake.NumPacketTypes}
	factory := handshake.Factory(hscfg.MaxPacketSize)

	ncfg := netcode.DefaultConfig()
	ncfg.MaxMessageType = chatMessageType + 1

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	serverDone := make(chan struct{})
	go runServer(xlog.Named("server"), serverConn, srv, codec, factory, ncfg, done, serverDone)
	go runClient(xlog.Named("client"), clientConn, serverAddr, cli, codec, factory, ncfg, done)

	select {
	case <-sigCh:
		log.Warn("received interrupt, shutting down")
	case <-serverDone:
	}
	close(done)
	time.Sleep(50 * time.Millisecond)
	log.Info("demo finished")
}

func runServer(log xlog.Logger, conn *net.UDPConn, srv *handshake.Server, codec *wire.Codec, factory wire.Factory, ncfg netcode.Config, done, serverDone chan struct{}) {
	var engine *netcode.Connection
	var peer *net.UDPAddr

	buf := make([]byte, 65536)
	for {
		select {
		case <-done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		now := time.Now()

		if err == nil && n > 1 {
			switch buf[0] {
			case classHandshake:
				pt, body, derr := codec.DecodeFramed(buf[1:n], factory)
				if derr != nil {
					break
				}
				respType, respBody, herr := dispatchServerHandshake(srv, now, from, pt, body)
				if herr == nil && respBody != nil {
					sendFramed(log, conn, from, codec, respType, respBody)
				}
				if engine == nil && respType == handshake.TypeKeepAlive {
					if idx := srv.FindSlot(from, clientSaltOf(body)); idx != -1 {
						slot := srv.Slot(idx)
						engine = netcode.New(ncfg, aead.Key(slot.ServerToClientKey), aead.Key(slot.ClientToServerKey), chatFactory)
						peer = from
						log.Infof("client connected from %s", from)
					}
				}
			case classConnection:
				if engine != nil {
					if cerr := engine.ReadPacket(now, buf[1:n]); cerr != nil {
						log.Warnf("connection fatal: %v", cerr)
					}
				}
			}
		}

		srv.Tick(now)

		if engine != nil {
			for {
				msg, ok := engine.ReceiveMessage()
				if !ok {
					break
				}
				if chat, ok := msg.(*chatMessage); ok {
					log.Infof("received: %q", chat.text)
				} else if raw, ok := msg.(interface{ Data() []byte }); ok {
					log.Infof("received block of %d bytes", len(raw.Data()))
					close(serverDone)
				}
			}
			pkt, werr := engine.WritePacket(now)
			if werr == nil && len(pkt) > 0 {
				sendClass(conn, peer, classConnection, pkt)
			}
		}
	}
}

func runClient(log xlog.Logger, conn *net.UDPConn, serverAddr *net.UDPAddr, cli *handshake.Client, codec *wire.Codec, factory wire.Factory, ncfg netcode.Config, done chan struct{}) {
	log.Info("dialing server")
	cli.Start(time.Now())

	var engine *netcode.Connection
	sentGreeting := false
	sentBlock := false

	buf := make([]byte, 65536)
	for {
		select {
		case <-done:
			return
		default:
		}

		now := time.Now()

		if engine == nil {
			if pt, body, ok := cli.BuildOutgoing(now); ok {
				sendFramed(log, conn, serverAddr, codec, pt, body)
			}
		}

		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err == nil && n > 1 {
			switch buf[0] {
			case classHandshake:
				pt, body, derr := codec.DecodeFramed(buf[1:n], factory)
				if derr == nil {
					dispatchClientHandshake(cli, now, pt, body)
				}
			case classConnection:
				if engine != nil {
					engine.ReadPacket(now, buf[1:n])
				}
			}
		}

		cli.Tick(now)

		if engine == nil && cli.State() == handshake.Connected {
			clientToServer, serverToClient := cli.SessionKeys()
			engine = netcode.New(ncfg, aead.Key(clientToServer), aead.Key(serverToClient), chatFactory)
			log.Info("handshake complete")
		}
		if cli.State() == handshake.Disconnected && cli.Err() != nil {
			log.Warnf("handshake failed: %v", cli.Err())
			return
		}

		if engine != nil {
			if !sentGreeting {
				engine.SendMessage(&chatMessage{text: "hello from client"})
				sentGreeting = true
			} else if !sentBlock {
				payload := make([]byte, ncfg.FragmentSize*2+100)
				for i := range payload {
					payload[i] = byte(i)
				}
				engine.SendBlock(chatMessageType+1, payload)
				sentBlock = true
			}
			pkt, werr := engine.WritePacket(now)
			if werr == nil && len(pkt) > 0 {
				sendClass(conn, serverAddr, classConnection, pkt)
			}
		}
	}
}

func sendFramed(log xlog.Logger, conn *net.UDPConn, to *net.UDPAddr, codec *wire.Codec, pt uint32, body wire.Body) {
	encoded, err := codec.EncodeFramed(pt, body, 4096)
	if err != nil {
		log.WithError(err).Warn("encode handshake packet")
		return
	}
	sendClass(conn, to, classHandshake, encoded)
}

func sendClass(conn *net.UDPConn, to *net.UDPAddr, class byte, payload []byte) {
	out := make([]byte, 1+len(payload))
	out[0] = class
	copy(out[1:], payload)
	conn.WriteToUDP(out, to)
}

func dispatchServerHandshake(srv *handshake.Server, now time.Time, from *net.UDPAddr, pt uint32, body wire.Body) (uint32, wire.Body, error) {
	switch pt {
	case handshake.TypeRequest:
		return srv.HandleRequest(now, from, body.(*handshake.RequestBody))
	case handshake.TypeResponse:
		return srv.HandleResponse(now, from, body.(*handshake.SaltPairBody))
	case handshake.TypeKeepAlive:
		srv.HandleKeepAlive(now, from, body.(*handshake.SaltPairBody))
	case handshake.TypeDisconnect:
		srv.HandleDisconnect(from, body.(*handshake.SaltPairBody))
	}
	return 0, nil, nil
}

func dispatchClientHandshake(cli *handshake.Client, now time.Time, pt uint32, body wire.Body) {
	switch pt {
	case handshake.TypeChallenge:
		cli.OnChallenge(now, body.(*handshake.SaltPairBody))
	case handshake.TypeKeepAlive:
		cli.OnKeepAlive(now, body.(*handshake.SaltPairBody))
	case handshake.TypeDenied:
		cli.OnDenied(body.(*handshake.DeniedBody))
	}
}

func clientSaltOf(body wire.Body) uint64 {
	switch b := body.(type) {
	case *handshake.RequestBody:
		return b.ClientSalt
	case *handshake.SaltPairBody:
		return b.ClientSalt
	}
	return 0
}
