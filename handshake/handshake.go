// Package handshake implements the four-way connection handshake of
// spec.md §4.4: a client states Disconnected/SendingRequest/
// SendingResponse/Connected, mirrored by a server-side slot table and
// an open-addressed challenge table probed with a salted hash. All
// packets in this package travel unencrypted, per spec.md §4.4's "Both
// sides adopt ... AEAD keys [for the data channel]; handshake packets
// themselves travel unencrypted".
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ironwire/netcode/bitstream"
	"github.com/ironwire/netcode/token"
	"github.com/ironwire/netcode/wire"
)

// Packet type tags, in the order spec.md §4.4 lists them.
const (
	TypeRequest uint32 = iota
	TypeDenied
	TypeChallenge
	TypeResponse
	TypeKeepAlive
	TypeDisconnect
	NumPacketTypes
)

// DeniedReason distinguishes why a connection request was refused.
type DeniedReason uint32

const (
	ReasonServerFull DeniedReason = iota
	ReasonAlreadyConnected
)

func ser64(s *bitstream.Stream, v *uint64) bool {
	hi := uint32(*v >> 32)
	lo := uint32(*v)
	if !s.SerializeBits(&hi, 32) {
		return false
	}
	if !s.SerializeBits(&lo, 32) {
		return false
	}
	if s.Mode() == bitstream.ModeRead {
		*v = uint64(hi)<<32 | uint64(lo)
	}
	return true
}

// RequestBody is the client's connection request, padded to PadToBytes
// (normally the deployment's max packet size) as an amplification
// defense: the packet the client sends is never smaller than the
// packet the server would have to send back.
type RequestBody struct {
	ClientSalt uint64
	TokenData  [token.SealedSize]byte
	TokenNonce uint64
	PadToBytes int
}

func (b *RequestBody) Serialize(s *bitstream.Stream) bool {
	if !ser64(s, &b.ClientSalt) {
		return false
	}
	if !s.SerializeBytes(b.TokenData[:]) {
		return false
	}
	if !ser64(s, &b.TokenNonce) {
		return false
	}
	if b.PadToBytes <= 0 {
		return true
	}
	if !s.SerializeAlign() {
		return false
	}
	padBytes := b.PadToBytes - s.BytesProcessed() - 4 // trailing SerializeCheck costs 4 bytes
	if padBytes < 0 {
		padBytes = 0
	}
	pad := make([]byte, padBytes)
	return s.SerializeBytes(pad)
}

// DeniedBody is the server's refusal.
type DeniedBody struct {
	ClientSalt uint64
	Reason     DeniedReason
}

func (b *DeniedBody) Serialize(s *bitstream.Stream) bool {
	if !ser64(s, &b.ClientSalt) {
		return false
	}
	r := uint32(b.Reason)
	if !s.SerializeBits(&r, 1) {
		return false
	}
	if s.Mode() == bitstream.ModeRead {
		b.Reason = DeniedReason(r)
	}
	return true
}

// SaltPairBody is the shape shared by Challenge, Response, KeepAlive
// and Disconnect: just the two salts that together authenticate every
// post-request packet.
type SaltPairBody struct {
	ClientSalt    uint64
	ChallengeSalt uint64
}

func (b *SaltPairBody) Serialize(s *bitstream.Stream) bool {
	return ser64(s, &b.ClientSalt) && ser64(s, &b.ChallengeSalt)
}

// Factory builds a zero-valued body for each handshake packet type,
// suitable for wire.Codec.DecodeFramed. maxPacketSize is threaded into
// RequestBody so its padding is reproduced on the read side too,
// keeping both sides' bit offsets in lockstep.
func Factory(maxPacketSize int) wire.Factory {
	return func(packetType uint32) (wire.Body, bool) {
		switch packetType {
		case TypeRequest:
			return &RequestBody{PadToBytes: maxPacketSize}, true
		case TypeDenied:
			return &DeniedBody{}, true
		case TypeChallenge, TypeResponse, TypeKeepAlive, TypeDisconnect:
			return &SaltPairBody{}, true
		}
		return nil, false
	}
}

// Config bounds handshake timing and table sizes, per spec.md §5's
// enumerated configuration and §6's defaults.
type Config struct {
	MaxClients                 int
	ProtocolID                 uint32
	MaxPacketSize              int
	ChallengeTableSize         int
	ChallengeSendRate          time.Duration
	ChallengeTimeout           time.Duration
	ConnectionRequestSendRate  time.Duration
	ConnectionResponseSendRate time.Duration
	ConnectionKeepAliveRate    time.Duration
	ConnectionTimeout          time.Duration
}

// DefaultConfig matches spec.md §6.
func DefaultConfig() Config {
	return Config{
		MaxClients:                 64,
		MaxPacketSize:              4096,
		ChallengeTableSize:         1024,
		ChallengeSendRate:          100 * time.Millisecond,
		ChallengeTimeout:           5 * time.Second,
		ConnectionRequestSendRate:  100 * time.Millisecond,
		ConnectionResponseSendRate: 100 * time.Millisecond,
		ConnectionKeepAliveRate:    time.Second,
		ConnectionTimeout:          5 * time.Second,
	}
}

// ServerSlot is one client's allocation on the server, per spec.md §3.
// The two session keys are carried from the client's connect token
// once the handshake promotes the slot, so a caller can hand them
// straight to netcode.New without re-opening the token itself.
type ServerSlot struct {
	Occupied          bool
	ClientSalt        uint64
	ChallengeSalt     uint64
	Address           *net.UDPAddr
	ConnectTime       time.Time
	LastSendTime      time.Time
	LastRecvTime      time.Time
	ClientToServerKey [32]byte
	ServerToClientKey [32]byte
}

// challengeEntry is one slot of the open-addressed challenge table.
type challengeEntry struct {
	occupied          bool
	clientSalt        uint64
	address           string
	challengeSalt     uint64
	createTime        time.Time
	lastSendTime      time.Time
	clientToServerKey [32]byte
	serverToClientKey [32]byte
}

// Server drives the listening side of the handshake: token validation,
// challenge issuance, and slot promotion.
type Server struct {
	cfg        Config
	address    *net.UDPAddr
	privateKey [32]byte
	serverSeed uint64

	slots      []ServerSlot
	challenges []challengeEntry
}

// NewServer constructs a Server bound to address, decrypting connect
// tokens with privateKey (shared out of band with the matchmaker).
func NewServer(cfg Config, address *net.UDPAddr, privateKey [32]byte) *Server {
	seed := make([]byte, 8)
	rand.Read(seed)
	return &Server{
		cfg:        cfg,
		address:    address,
		privateKey: privateKey,
		serverSeed: binary.BigEndian.Uint64(seed),
		slots:      make([]ServerSlot, cfg.MaxClients),
		challenges: make([]challengeEntry, cfg.ChallengeTableSize),
	}
}

func (s *Server) probe(clientSalt uint64, addr string) int {
	buf := make([]byte, 8+8+len(addr))
	binary.BigEndian.PutUint64(buf[0:8], s.serverSeed)
	binary.BigEndian.PutUint64(buf[8:16], clientSalt)
	copy(buf[16:], addr)
	return int(xxhash.Sum64(buf) % uint64(len(s.challenges)))
}

func (s *Server) findSlotByAddr(addr *net.UDPAddr, clientSalt uint64) int {
	for i := range s.slots {
		if s.slots[i].Occupied && s.slots[i].ClientSalt == clientSalt &&
			s.slots[i].Address.IP.Equal(addr.IP) && s.slots[i].Address.Port == addr.Port {
			return i
		}
	}
	return -1
}

func (s *Server) freeSlot() int {
	for i := range s.slots {
		if !s.slots[i].Occupied {
			return i
		}
	}
	return -1
}

// HandleRequest implements spec.md §4.4 steps 2-4. A nil response with
// a nil error means "drop silently" per spec.md §7's transient-drop
// kind; token decrypt/validation failures are folded into that case.
func (s *Server) HandleRequest(now time.Time, from *net.UDPAddr, body *RequestBody) (uint32, wire.Body, error) {
	tok, err := token.Open(body.TokenData, token.NonceFromSequence(body.TokenNonce), nil, s.privateKey)
	if err != nil {
		return 0, nil, nil // undecryptable token: silent drop
	}
	if tok.ProtocolID != s.cfg.ProtocolID || tok.Expired(now.Unix()) || !tok.HasServer(s.address) {
		return 0, nil, nil
	}

	if idx := s.findSlotByAddr(from, body.ClientSalt); idx != -1 {
		return TypeDenied, &DeniedBody{ClientSalt: body.ClientSalt, Reason: ReasonAlreadyConnected}, nil
	}
	if s.freeSlot() == -1 {
		return TypeDenied, &DeniedBody{ClientSalt: body.ClientSalt, Reason: ReasonServerFull}, nil
	}

	addrStr := from.String()
	idx := s.probe(body.ClientSalt, addrStr)
	entry := &s.challenges[idx]
	expired := entry.occupied && now.Sub(entry.createTime) > s.cfg.ChallengeTimeout

	switch {
	case !entry.occupied || expired:
		var saltBuf [8]byte
		rand.Read(saltBuf[:])
		*entry = challengeEntry{
			occupied:          true,
			clientSalt:        body.ClientSalt,
			address:           addrStr,
			challengeSalt:     binary.BigEndian.Uint64(saltBuf[:]),
			createTime:        now,
			clientToServerKey: tok.ClientToServerKey,
			serverToClientKey: tok.ServerToClientKey,
		}
	case entry.clientSalt != body.ClientSalt || entry.address != addrStr:
		// Collision with a live entry owned by someone else: reject
		// without touching state, per spec.md §9's redesign decision.
		return 0, nil, nil
	}

	if now.Sub(entry.lastSendTime) < s.cfg.ChallengeSendRate && !entry.lastSendTime.IsZero() {
		return 0, nil, nil // rate-limited; already have one in flight
	}
	entry.lastSendTime = now

	return TypeChallenge, &SaltPairBody{ClientSalt: entry.clientSalt, ChallengeSalt: entry.challengeSalt}, nil
}

// HandleResponse implements spec.md §4.4 step 5.
func (s *Server) HandleResponse(now time.Time, from *net.UDPAddr, body *SaltPairBody) (uint32, wire.Body, error) {
	if idx := s.findSlotByAddr(from, body.ClientSalt); idx != -1 {
		slot := &s.slots[idx]
		if slot.ChallengeSalt == body.ChallengeSalt {
			slot.LastSendTime = now
			return TypeKeepAlive, &SaltPairBody{ClientSalt: body.ClientSalt, ChallengeSalt: body.ChallengeSalt}, nil
		}
		return 0, nil, nil
	}

	addrStr := from.String()
	idx := s.probe(body.ClientSalt, addrStr)
	entry := &s.challenges[idx]
	if !entry.occupied || entry.clientSalt != body.ClientSalt || entry.address != addrStr || entry.challengeSalt != body.ChallengeSalt {
		return 0, nil, nil
	}
	if now.Sub(entry.createTime) > s.cfg.ChallengeTimeout {
		return 0, nil, nil
	}

	free := s.freeSlot()
	if free == -1 {
		return TypeDenied, &DeniedBody{ClientSalt: body.ClientSalt, Reason: ReasonServerFull}, nil
	}
	s.slots[free] = ServerSlot{
		Occupied:          true,
		ClientSalt:        body.ClientSalt,
		ChallengeSalt:     body.ChallengeSalt,
		Address:           from,
		ConnectTime:       now,
		LastRecvTime:      now,
		LastSendTime:      now,
		ClientToServerKey: entry.clientToServerKey,
		ServerToClientKey: entry.serverToClientKey,
	}
	entry.occupied = false
	return TypeKeepAlive, &SaltPairBody{ClientSalt: body.ClientSalt, ChallengeSalt: body.ChallengeSalt}, nil
}

// HandleKeepAlive refreshes a slot's liveness. Per spec.md §9's
// redesign decision, last_recv_time updates iff the slot is found and
// authenticated — never unconditionally.
func (s *Server) HandleKeepAlive(now time.Time, from *net.UDPAddr, body *SaltPairBody) {
	if idx := s.findSlotByAddr(from, body.ClientSalt); idx != -1 && s.slots[idx].ChallengeSalt == body.ChallengeSalt {
		s.slots[idx].LastRecvTime = now
	}
}

// HandleDisconnect frees a slot immediately rather than waiting on the
// quiescence timeout.
func (s *Server) HandleDisconnect(from *net.UDPAddr, body *SaltPairBody) {
	if idx := s.findSlotByAddr(from, body.ClientSalt); idx != -1 && s.slots[idx].ChallengeSalt == body.ChallengeSalt {
		s.slots[idx] = ServerSlot{}
	}
}

// Tick expires quiescent slots and stale challenge entries.
func (s *Server) Tick(now time.Time) {
	for i := range s.slots {
		if s.slots[i].Occupied && now.Sub(s.slots[i].LastRecvTime) > s.cfg.ConnectionTimeout {
			s.slots[i] = ServerSlot{}
		}
	}
	for i := range s.challenges {
		if s.challenges[i].occupied && now.Sub(s.challenges[i].createTime) > s.cfg.ChallengeTimeout {
			s.challenges[i] = challengeEntry{}
		}
	}
}

// Slot exposes slot i for inspection (e.g. by the connection engine,
// which needs the negotiated salts and address once connected).
func (s *Server) Slot(i int) ServerSlot { return s.slots[i] }

// FindSlot returns the slot index for an authenticated (addr,
// clientSalt) pair, or -1.
func (s *Server) FindSlot(addr *net.UDPAddr, clientSalt uint64) int {
	return s.findSlotByAddr(addr, clientSalt)
}

// State is a client's position in the handshake state machine.
type State int

const (
	Disconnected State = iota
	SendingRequest
	SendingResponse
	Connected
)

// Terminal reason codes for why a client landed back in Disconnected.
var (
	ErrConnectTokenExpired      = errors.New("handshake: connect token expired")
	ErrConnectionDeniedFull     = errors.New("handshake: server full")
	ErrConnectionDeniedDup      = errors.New("handshake: already connected")
	ErrConnectionTimedOut       = errors.New("handshake: connection timed out")
	ErrConnectionResponseTimeout = errors.New("handshake: connection response timed out")
)

// Client drives the dialing side of the handshake. It never calls
// token.Seal itself — the matchmaker seals the token out of band and
// hands the client both the plaintext fields (keys, expiry) it needs
// locally and the opaque sealed bytes to forward to the server.
type Client struct {
	cfg          Config
	tok          *token.ConnectToken
	sealedToken  [token.SealedSize]byte
	tokenNonce   uint64
	serverAddr   *net.UDPAddr

	state            State
	clientSalt       uint64
	challengeSalt    uint64
	stateEnteredTime time.Time
	lastSendTime     time.Time
	lastRecvTime     time.Time
	failReason       error
}

// NewClient constructs a Client that will dial serverAddr using tok
// (the plaintext fields the client needs locally) and sealedToken (the
// opaque bytes the matchmaker sealed for the server, under tokenNonce).
func NewClient(cfg Config, tok *token.ConnectToken, sealedToken [token.SealedSize]byte, tokenNonce uint64, serverAddr *net.UDPAddr) *Client {
	var saltBuf [8]byte
	rand.Read(saltBuf[:])
	return &Client{
		cfg:         cfg,
		tok:         tok,
		sealedToken: sealedToken,
		tokenNonce:  tokenNonce,
		serverAddr:  serverAddr,
		clientSalt:  binary.BigEndian.Uint64(saltBuf[:]),
	}
}

// Start begins the handshake at time now.
func (c *Client) Start(now time.Time) {
	c.state = SendingRequest
	c.stateEnteredTime = now
}

func (c *Client) State() State { return c.state }

// SessionKeys returns the two AEAD keys carried in the client's connect
// token, valid as soon as the handshake reaches Connected.
func (c *Client) SessionKeys() (clientToServer, serverToClient [32]byte) {
	return c.tok.ClientToServerKey, c.tok.ServerToClientKey
}

// Err returns the terminal failure reason, once Disconnected after a
// failed handshake.
func (c *Client) Err() error { return c.failReason }

// BuildOutgoing returns the packet the client should (re)send this
// tick, rate-limited per state, or ok=false if nothing is due.
func (c *Client) BuildOutgoing(now time.Time) (uint32, wire.Body, bool) {
	switch c.state {
	case SendingRequest:
		if !c.lastSendTime.IsZero() && now.Sub(c.lastSendTime) < c.cfg.ConnectionRequestSendRate {
			return 0, nil, false
		}
		c.lastSendTime = now
		body := &RequestBody{
			ClientSalt: c.clientSalt,
			TokenData:  c.sealedToken,
			TokenNonce: c.tokenNonce,
			PadToBytes: c.cfg.MaxPacketSize,
		}
		return TypeRequest, body, true
	case SendingResponse:
		if !c.lastSendTime.IsZero() && now.Sub(c.lastSendTime) < c.cfg.ConnectionResponseSendRate {
			return 0, nil, false
		}
		c.lastSendTime = now
		return TypeResponse, &SaltPairBody{ClientSalt: c.clientSalt, ChallengeSalt: c.challengeSalt}, true
	case Connected:
		if now.Sub(c.lastSendTime) < c.cfg.ConnectionKeepAliveRate {
			return 0, nil, false
		}
		c.lastSendTime = now
		return TypeKeepAlive, &SaltPairBody{ClientSalt: c.clientSalt, ChallengeSalt: c.challengeSalt}, true
	}
	return 0, nil, false
}

// OnChallenge advances SendingRequest -> SendingResponse.
func (c *Client) OnChallenge(now time.Time, body *SaltPairBody) {
	if c.state != SendingRequest || body.ClientSalt != c.clientSalt {
		return
	}
	c.challengeSalt = body.ChallengeSalt
	c.state = SendingResponse
	c.stateEnteredTime = now
	c.lastSendTime = time.Time{}
}

// OnKeepAlive advances SendingResponse -> Connected, or refreshes
// liveness once already Connected.
func (c *Client) OnKeepAlive(now time.Time, body *SaltPairBody) {
	if body.ClientSalt != c.clientSalt || body.ChallengeSalt != c.challengeSalt {
		return
	}
	if c.state == SendingResponse {
		c.state = Connected
		c.stateEnteredTime = now
	}
	if c.state == Connected {
		c.lastRecvTime = now
	}
}

// OnDenied terminates the handshake with the server's stated reason.
func (c *Client) OnDenied(body *DeniedBody) {
	if body.ClientSalt != c.clientSalt {
		return
	}
	c.state = Disconnected
	if body.Reason == ReasonServerFull {
		c.failReason = ErrConnectionDeniedFull
	} else {
		c.failReason = ErrConnectionDeniedDup
	}
}

// Tick evaluates timeouts and the connect token's own expiry.
func (c *Client) Tick(now time.Time) {
	if c.state == Disconnected {
		return
	}
	if c.tok.Expired(now.Unix()) {
		c.state = Disconnected
		c.failReason = ErrConnectTokenExpired
		return
	}
	switch c.state {
	case SendingRequest:
		if now.Sub(c.stateEnteredTime) > c.cfg.ConnectionTimeout {
			c.state = Disconnected
			c.failReason = ErrConnectionTimedOut
		}
	case SendingResponse:
		if now.Sub(c.stateEnteredTime) > c.cfg.ConnectionTimeout {
			c.state = Disconnected
			c.failReason = ErrConnectionResponseTimeout
		}
	case Connected:
		if !c.lastRecvTime.IsZero() && now.Sub(c.lastRecvTime) > c.cfg.ConnectionTimeout {
			c.state = Disconnected
			c.failReason = ErrConnectionTimedOut
		}
	}
}

// Disconnect tears down the handshake locally and returns the final
// Disconnect packet to send the server.
func (c *Client) Disconnect() (uint32, wire.Body) {
	body := &SaltPairBody{ClientSalt: c.clientSalt, ChallengeSalt: c.challengeSalt}
	c.state = Disconnected
	return TypeDisconnect, body
}
