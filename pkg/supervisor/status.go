package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// statusServer is the optional TCP status daemon from spec.md §4.8: a
// read-only HTTP view of the sibling table, for external monitoring.
type statusServer struct {
	addr string
	sup  *Supervisor
	srv  *http.Server
}

func newStatusServer(addr string, sup *Supervisor) *statusServer {
	if addr == "" {
		addr = ":8081"
	}
	return &statusServer{addr: addr, sup: sup}
}

func (s *statusServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go s.srv.Serve(ln)
	return nil
}

func (s *statusServer) stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sup.mu.Lock()
	body := struct {
		RunID     uuid.UUID                `json:"run_id"`
		Heartbeat uint64                   `json:"heartbeat"`
		Siblings  map[string]siblingStatus `json:"siblings"`
	}{
		RunID:     s.sup.runID,
		Heartbeat: s.sup.heartbeat,
		Siblings:  make(map[string]siblingStatus, len(s.sup.states)),
	}
	for name, st := range s.sup.states {
		body.Siblings[name] = st.status
	}
	s.sup.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
