package link

import (
	"sync"

	"mixnet-dht/internal/proto"
)

const sendQueueDepth = 64

type session struct {
	peer PeerID
	rc   *proto.RouterContact
	sc   *secureConn

	sendCh chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(peer PeerID, rc *proto.RouterContact, sc *secureConn) *session {
	return &session{
		peer:   peer,
		rc:     rc,
		sc:     sc,
		sendCh: make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks; when the queue is full the oldest pending frame is
// dropped, the DHT transaction it carried will time out.
func (s *session) enqueue(body []byte, l *Link) {
	frame := append([]byte(nil), body...)
	for {
		select {
		case s.sendCh <- frame:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.sendCh:
			l.logf("send queue to %x full, dropping oldest frame", s.peer[:8])
		default:
		}
	}
}

func (s *session) writeLoop(l *Link) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.sendCh:
			if err := s.sc.WriteFrame(frame); err != nil {
				l.logf("write to %x failed: %v", s.peer[:8], err)
				l.dropSession(s)
				return
			}
		}
	}
}

func (s *session) readLoop(l *Link) {
	for {
		frame, err := s.sc.ReadFrame()
		if err != nil {
			l.logf("read from %x failed: %v", s.peer[:8], err)
			l.dropSession(s)
			return
		}
		if l.onFrame != nil {
			l.onFrame(s.peer, frame)
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sc.Close()
	})
}
