package node

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"mixnet-dht/internal/dht"
	"mixnet-dht/internal/link"
	"mixnet-dht/internal/netx"
	"mixnet-dht/internal/paths"
	"mixnet-dht/internal/proto"
	"mixnet-dht/internal/storage/peersbolt"
)

const (
	jobQueueDepth      = 256
	bootstrapCacheSize = 16
)

type Config struct {
	DataDir    string
	Bind       string
	Bootstraps []string
	Transit    bool
	Debug      bool
	Logger     *log.Logger
}

// App owns one DHT node: identity, link layer, peer cache, the DHT context,
// and the single-goroutine executor all DHT work runs on. It is the
// dht.Router capability for its Context.
type App struct {
	cfg   Config
	ident *Identity
	rc    *proto.RouterContact
	ctx   *dht.Context
	link  *link.Link
	store *peersbolt.Store

	jobs chan func()
	quit chan struct{}
}

func New(cfg Config) (*App, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = paths.DefaultDataDir()
	}
	dataDir, err := paths.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	ident, err := LoadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, err
	}

	store, err := peersbolt.Open(filepath.Join(dataDir, "peers.db"))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:   cfg,
		ident: ident,
		ctx:   dht.NewContext(),
		store: store,
		jobs:  make(chan func(), jobQueueDepth),
		quit:  make(chan struct{}),
	}
	return a, nil
}

// Start brings up the link, seeds the routing table from the peer cache,
// dials bootstrap addresses, and starts the DHT.
func (a *App) Start() error {
	rc := &proto.RouterContact{Addrs: []string{a.cfg.Bind}}
	if err := rc.Sign(a.ident.Priv, time.Now()); err != nil {
		return err
	}
	a.rc = rc

	l, err := link.New(link.Config{
		Network: netx.NewTCPNetwork(),
		Bind:    a.cfg.Bind,
		OurRC:   rc,
		Logger:  a.cfg.Logger,
		Debug:   a.cfg.Debug,
	})
	if err != nil {
		return err
	}
	a.link = l

	l.OnFrame(func(from link.PeerID, body []byte) {
		a.QueueJob(func() {
			a.ctx.HandleEnvelope(dht.Key(from), body)
		})
	})
	l.OnPeer(func(rc *proto.RouterContact) {
		a.QueueJob(func() {
			a.ctx.PutPeer(rc)
			if err := a.store.Put(rc); err != nil {
				a.Logf("peer cache write failed: %v", err)
			}
		})
	})
	l.OnPeerGone(func(id link.PeerID) {
		a.QueueJob(func() {
			a.ctx.RemovePeer(dht.Key(id))
		})
	})

	addr, err := l.Start()
	if err != nil {
		return err
	}
	a.rc.Addrs = []string{string(addr)}
	if err := a.rc.Sign(a.ident.Priv, time.Now()); err != nil {
		return err
	}

	go a.run()

	a.ctx.Start(dht.Key(a.ident.Pub), a)
	a.ctx.AllowTransit(a.cfg.Transit)

	// Re-dial recently seen peers before the explicit bootstrap list.
	if cached, err := a.store.Candidates(bootstrapCacheSize, time.Now()); err == nil {
		for _, rc := range cached {
			for _, peerAddr := range rc.Addrs {
				go a.dial(peerAddr)
			}
		}
	}
	for _, b := range a.cfg.Bootstraps {
		go a.dial(b)
	}
	return nil
}

func (a *App) dial(addr string) {
	if addr == "" || addr == string(a.link.Addr()) {
		return
	}
	if err := a.link.Connect(addr); err != nil {
		a.Logf("dial %s failed: %v", addr, err)
	}
}

// run is the DHT executor: every handler, timer, and queued job runs here.
func (a *App) run() {
	for {
		select {
		case <-a.quit:
			return
		case fn := <-a.jobs:
			fn()
		}
	}
}

func (a *App) DHT() *dht.Context { return a.ctx }

func (a *App) Key() dht.Key { return dht.Key(a.ident.Pub) }

func (a *App) Addr() netx.Addr { return a.link.Addr() }

func (a *App) NumSessions() int { return a.link.NumSessions() }

func (a *App) Close() error {
	close(a.quit)
	err := a.link.Close()
	if serr := a.store.Close(); err == nil {
		err = serr
	}
	return err
}

// dht.Router implementation.

func (a *App) OurRC() *proto.RouterContact { return a.rc }

func (a *App) SendToOrQueue(to dht.Key, body []byte) bool {
	return a.link.SendToOrQueue(link.PeerID(to), body)
}

func (a *App) CallLater(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		a.QueueJob(fn)
	})
}

func (a *App) QueueJob(fn func()) {
	select {
	case a.jobs <- fn:
	case <-a.quit:
	}
}

func (a *App) Now() time.Time { return time.Now() }

func (a *App) Logf(format string, args ...any) {
	if !a.cfg.Debug || a.cfg.Logger == nil {
		return
	}
	prefix := ""
	if a.ident != nil {
		prefix = fmt.Sprintf("[node %x] ", a.ident.Pub[:4])
	}
	a.cfg.Logger.Printf(prefix+format, args...)
}
