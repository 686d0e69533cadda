package directory

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ilrudie/istio-ztunnel/logging"
)

// Store is an in-memory directory implementation. It is the table a
// control-plane sync would write into; the proxy only ever reads it through
// the Client interface.
type Store struct {
	logger hclog.Logger

	mu        sync.RWMutex
	workloads map[NetworkAddress]*Workload
	services  map[string][]*Service // keyed by workload UID
}

var _ Client = (*Store)(nil)

func NewStore(logger hclog.Logger) *Store {
	return &Store{
		logger:    logger.Named(logging.Directory),
		workloads: make(map[NetworkAddress]*Workload),
		services:  make(map[string][]*Service),
	}
}

// UpsertWorkload inserts or replaces a workload and its service
// memberships.
func (s *Store) UpsertWorkload(w *Workload, services ...*Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloads[w.NetworkAddress()] = w
	s.services[w.UID] = services
	s.logger.Debug("workload upserted", "address", w.NetworkAddress(), "name", w.Name)
}

// RemoveWorkload deletes the workload owning addr, if any.
func (s *Store) RemoveWorkload(addr NetworkAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workloads[addr]
	if !ok {
		return
	}
	delete(s.workloads, addr)
	delete(s.services, w.UID)
	s.logger.Debug("workload removed", "address", addr, "name", w.Name)
}

func (s *Store) FetchWorkloadServices(addr NetworkAddress) (*Workload, []*Service) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloads[addr]
	if !ok {
		return nil, nil
	}
	return w, s.services[w.UID]
}

func (s *Store) FetchWorkload(addr NetworkAddress) *Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workloads[addr]
}

// Len returns the number of known workloads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workloads)
}
