package shoalproto

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.shoal.dev/shoal/src/transport"
)

// Endpoint is the server side engine.
// It routes datagrams to connections by connection id and accepts new connections from Initials.
type Endpoint struct {
	config Config
	static noise.DHKey

	limiter *rate.Limiter
	// closed remembers the connection ids of drained connections, so their stragglers are not
	// mistaken for new connections.
	closed *cache.Cache

	mu         sync.Mutex
	byCID      map[CID]transport.Handle
	cids       map[transport.Handle][]CID
	nextHandle transport.Handle
	nextSeq    map[transport.Handle]uint64
}

var _ transport.Engine = &Endpoint{}

func NewEndpoint(config Config) (*Endpoint, error) {
	if len(config.Credentials.Chain) == 0 || config.Credentials.PrivateKey == nil {
		return nil, errors.New("shoalproto: endpoint requires credentials")
	}
	if config.ClosedCIDTTL <= 0 {
		config.ClosedCIDTTL = DefaultClosedCIDTTL
	}
	if config.MaxNewSessionsPerSecond == 0 {
		config.MaxNewSessionsPerSecond = DefaultMaxNewSessionsPerSecond
	}
	config.Params = config.Params.withDefaults()
	static, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	burst := 0
	if config.MaxNewSessionsPerSecond > 0 {
		limit = rate.Limit(config.MaxNewSessionsPerSecond)
		burst = int(config.MaxNewSessionsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Endpoint{
		config:     config,
		static:     static,
		limiter:    rate.NewLimiter(limit, burst),
		closed:     cache.New(config.ClosedCIDTTL, 2*config.ClosedCIDTTL),
		byCID:      make(map[CID]transport.Handle),
		cids:       make(map[transport.Handle][]CID),
		nextSeq:    make(map[transport.Handle]uint64),
		nextHandle: 1,
	}, nil
}

func (e *Endpoint) Route(now time.Time, from net.Addr, data []byte) (transport.Handle, transport.Outcome, bool) {
	hdr, body, err := ParseHeader(data)
	if err != nil {
		return 0, transport.Outcome{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, exists := e.byCID[hdr.CID]; exists {
		ev := datagramEvent{now: now, data: append([]byte{}, data...)}
		return h, transport.Outcome{Event: ev}, true
	}
	if hdr.Type != PacketInitial {
		return 0, transport.Outcome{}, false
	}
	if _, recentlyClosed := e.closed.Get(hdr.CID.String()); recentlyClosed {
		return 0, transport.Outcome{}, false
	}
	msg1, err := parseInitial(len(data), body)
	if err != nil {
		return 0, transport.Outcome{}, false
	}
	if !e.limiter.AllowN(now, 1) {
		return 0, transport.Outcome{}, false
	}
	conn, err := newServerConn(now, hdr.CID, msg1, e.static, e.config.Credentials, e.config.Params)
	if err != nil {
		return 0, transport.Outcome{}, false
	}
	h := e.nextHandle
	e.nextHandle++
	e.byCID[hdr.CID] = h
	e.cids[h] = []CID{hdr.CID}
	e.nextSeq[h] = 1
	return h, transport.Outcome{NewSession: conn}, true
}

func (e *Endpoint) HandleEndpointEvent(h transport.Handle, ev transport.EndpointEvent) (transport.ConnectionEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.(type) {
	case NeedIdentifiers:
		if _, live := e.cids[h]; !live {
			return nil, false
		}
		cid := NewCID()
		for _, exists := e.byCID[cid]; exists; _, exists = e.byCID[cid] {
			cid = NewCID()
		}
		seq := e.nextSeq[h]
		e.nextSeq[h]++
		e.byCID[cid] = h
		e.cids[h] = append(e.cids[h], cid)
		return NewIdentifiers{Seq: seq, CID: cid}, true
	case Drained:
		for _, cid := range e.cids[h] {
			delete(e.byCID, cid)
			e.closed.SetDefault(cid.String(), h)
		}
		delete(e.cids, h)
		delete(e.nextSeq, h)
	}
	return nil, false
}

// Len returns the number of connections the endpoint routes to.
func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cids)
}

// IsRecentlyClosed reports whether cid belonged to a connection drained within the last ClosedCIDTTL.
func (e *Endpoint) IsRecentlyClosed(cid CID) bool {
	_, found := e.closed.Get(cid.String())
	return found
}
