package link

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flynn/noise"

	"mixnet-dht/internal/bencode"
	"mixnet-dht/internal/netx"
	"mixnet-dht/internal/proto"
)

const handshakeTimeout = 10 * time.Second

// PeerID is a router identity key on the link layer.
type PeerID [32]byte

type Config struct {
	Network netx.Network
	Bind    string
	// OurRC is the signed contact we present during session setup.
	OurRC  *proto.RouterContact
	Logger *log.Logger
	Debug  bool
}

// Link maintains Noise-secured sessions to peers and delivers envelope
// frames. Each session is authenticated by exchanging signed RouterContacts
// after the handshake; the contact's identity key names the session.
type Link struct {
	cfg       Config
	staticKey noise.DHKey

	mu       sync.Mutex
	sessions map[PeerID]*session
	closed   bool

	onFrame    func(from PeerID, body []byte)
	onPeer     func(rc *proto.RouterContact)
	onPeerGone func(id PeerID)

	listenAddr netx.Addr
}

func New(cfg Config) (*Link, error) {
	if cfg.Network == nil || cfg.OurRC == nil {
		return nil, errors.New("link: network and contact are required")
	}
	static, err := NewNoiseKeypair()
	if err != nil {
		return nil, err
	}
	return &Link{
		cfg:       cfg,
		staticKey: static,
		sessions:  make(map[PeerID]*session),
	}, nil
}

// OnFrame sets the inbound envelope handler. Must be set before Start.
func (l *Link) OnFrame(fn func(from PeerID, body []byte)) { l.onFrame = fn }

// OnPeer is invoked with the verified contact of every new session.
func (l *Link) OnPeer(fn func(rc *proto.RouterContact)) { l.onPeer = fn }

// OnPeerGone is invoked when a session dies.
func (l *Link) OnPeerGone(fn func(id PeerID)) { l.onPeerGone = fn }

func (l *Link) Start() (netx.Addr, error) {
	addr, err := l.cfg.Network.Listen(l.cfg.Bind)
	if err != nil {
		return "", err
	}
	l.listenAddr = addr
	go l.acceptLoop()
	return addr, nil
}

func (l *Link) Addr() netx.Addr { return l.listenAddr }

func (l *Link) acceptLoop() {
	for {
		conn, err := l.cfg.Network.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := l.setupSession(conn, true); err != nil {
				l.logf("inbound session failed: %v", err)
			}
		}()
	}
}

// Connect dials addr and establishes a session.
func (l *Link) Connect(addr string) error {
	conn, err := l.cfg.Network.Dial(netx.Addr(addr))
	if err != nil {
		return err
	}
	return l.setupSession(conn, false)
}

func (l *Link) setupSession(conn netx.Conn, inbound bool) error {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var sc *secureConn
	var err error
	if inbound {
		sc, err = secureServer(conn, l.staticKey)
	} else {
		sc, err = secureClient(conn, l.staticKey)
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	rc, err := l.exchangeContacts(sc)
	if err != nil {
		_ = sc.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	id := PeerID(rc.PubKey)
	s := newSession(id, rc, sc)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = sc.Close()
		return errors.New("link: closed")
	}
	if _, dup := l.sessions[id]; dup {
		l.mu.Unlock()
		_ = sc.Close()
		return fmt.Errorf("link: duplicate session for %x", id[:8])
	}
	l.sessions[id] = s
	l.mu.Unlock()

	if l.onPeer != nil {
		l.onPeer(rc)
	}

	go s.writeLoop(l)
	go s.readLoop(l)
	return nil
}

// exchangeContacts sends our signed contact and verifies the peer's.
func (l *Link) exchangeContacts(sc *secureConn) (*proto.RouterContact, error) {
	buf := make([]byte, proto.MaxEnvelopeSize)
	w := bencode.NewWriter(buf)
	if !l.cfg.OurRC.BEncode(w) {
		return nil, errors.New("link: our contact does not encode")
	}
	if err := sc.WriteFrame(w.Bytes()); err != nil {
		return nil, err
	}

	frame, err := sc.ReadFrame()
	if err != nil {
		return nil, err
	}
	var rc proto.RouterContact
	if !rc.DecodeDict(bencode.NewBuffer(frame)) {
		return nil, errors.New("link: peer contact does not decode")
	}
	if !rc.Verify(time.Now()) {
		return nil, errors.New("link: peer contact failed verification")
	}
	return &rc, nil
}

// SendToOrQueue enqueues body to the peer's session. It never blocks and
// returns false only when no route to the peer exists at all.
func (l *Link) SendToOrQueue(to PeerID, body []byte) bool {
	l.mu.Lock()
	s := l.sessions[to]
	l.mu.Unlock()
	if s == nil {
		return false
	}
	s.enqueue(body, l)
	return true
}

func (l *Link) dropSession(s *session) {
	l.mu.Lock()
	cur := l.sessions[s.peer]
	if cur == s {
		delete(l.sessions, s.peer)
	}
	l.mu.Unlock()
	s.close()
	if cur == s && l.onPeerGone != nil {
		l.onPeerGone(s.peer)
	}
}

func (l *Link) NumSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	sessions := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.sessions = make(map[PeerID]*session)
	l.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return l.cfg.Network.Close()
}

func (l *Link) logf(format string, args ...any) {
	if !l.cfg.Debug || l.cfg.Logger == nil {
		return
	}
	l.cfg.Logger.Printf("[link] "+format, args...)
}
