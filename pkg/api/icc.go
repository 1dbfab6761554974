package api

import (
	"net/http"

	"github.com/cuemby/quilt/pkg/types"
)

// NetworkEntry is one row of the "icc" network listing.
type NetworkEntry struct {
	ContainerID    string `json:"container_id"`
	IPAddress      string `json:"ip_address"`
	Bridge         string `json:"bridge"`
	HostVeth       string `json:"host_veth,omitempty"`
	ContainerVeth  string `json:"container_veth,omitempty"`
	Status         string `json:"status"`
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	allocs, err := s.store.ListActiveAllocations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]NetworkEntry, 0, len(allocs))
	for _, a := range allocs {
		entries = append(entries, NetworkEntry{
			ContainerID:   a.ContainerID,
			IPAddress:     a.IPAddress,
			Bridge:        a.Bridge,
			HostVeth:      a.HostVeth,
			ContainerVeth: a.ContainerVeth,
			Status:        string(a.Status),
		})
	}

	writeJSON(w, http.StatusOK, entries)
}

// DNSEntry is one row of the "icc" DNS listing.
type DNSEntry struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	IPAddress   string `json:"ip_address"`
}

// listDNS walks the live container set and reports each running,
// named container's registered address; the registry itself exposes
// no enumeration method (only point lookups), so this assembles the
// view from the store the same way Rebuild does.
func (s *Server) listDNS(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]DNSEntry, 0)
	for _, c := range containers {
		if c.State != types.ContainerStateRunning || c.Name == "" {
			continue
		}
		ip, ok := s.registry.Lookup(c.ID)
		if !ok {
			continue
		}
		entries = append(entries, DNSEntry{ContainerID: c.ID, Name: c.Name, IPAddress: ip})
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) diagnose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	report, err := s.net.Diagnose(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
