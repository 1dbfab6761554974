package dns

import (
	"fmt"
	"net"
	"sync"

	miekgdns "github.com/miekg/dns"

	"github.com/cuemby/quilt/pkg/log"
)

// DefaultPort is the UDP port the resolver listens on; containers get
// the bridge IP as their nameserver, so the daemon does not need to
// bind the privileged port 53 on the host's default address.
const DefaultPort = 5300

// Server answers DNS queries for container names against a Registry,
// listening on the bridge's own IP, grounded on the teacher's
// pkg/dns/server.go dns.ServeMux + goroutine-serving shape.
type Server struct {
	registry   *Registry
	listenAddr string

	mu      sync.Mutex
	server  *miekgdns.Server
	running bool
}

// NewServer constructs a DNS server bound to listenAddr (typically the
// bridge gateway IP and DefaultPort).
func NewServer(registry *Registry, listenAddr string) *Server {
	return &Server{registry: registry, listenAddr: listenAddr}
}

// Start begins serving DNS queries in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dns server already running")
	}

	mux := miekgdns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.server = &miekgdns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start dns server: %w", err)
	default:
		log.WithComponent("dns").Info().Str("address", s.listenAddr).Msg("dns server started")
		return nil
	}
}

// Stop shuts the server down; idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown()
}

func (s *Server) handleQuery(w miekgdns.ResponseWriter, r *miekgdns.Msg) {
	msg := &miekgdns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != miekgdns.TypeA {
			continue
		}
		ip, ok := s.registry.Resolve(q.Name)
		if !ok {
			msg.Rcode = miekgdns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, &miekgdns.A{
			Hdr: miekgdns.RR_Header{Name: q.Name, Rrtype: miekgdns.TypeA, Class: miekgdns.ClassINET, Ttl: 10},
			A:   net.ParseIP(ip),
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		log.WithComponent("dns").Warn().Err(err).Msg("write dns response")
	}
}
