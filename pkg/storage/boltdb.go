package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers     = []byte("containers")
	bucketContainerNames = []byte("container_names")
	bucketAllocations    = []byte("allocations")
	bucketAllocIPIndex   = []byte("alloc_ip_index")
	bucketLayers         = []byte("layers")
	bucketVolumes        = []byte("volumes")
	bucketLogs           = []byte("logs")
	bucketMetrics        = []byte("metrics")
)

const (
	// maxLogLines is the retention cap for pkg/storage.AppendLog.
	maxLogLines = 1000

	// maxIPAllocAttempts and ipAllocBackoffUnit bound the retry loop in
	// AllocateIP: up to 5 attempts, sleeping attempt*10ms between them.
	maxIPAllocAttempts = 5
	ipAllocBackoffUnit = 10 * time.Millisecond

	metricsRetention = 7 * 24 * time.Hour
)

// BoltStore is the bbolt-backed implementation of Store. A single file
// serializes all writes through bbolt's own writer lock; readers run
// concurrently via MVCC snapshots.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the daemon's database file
// under dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "quilt.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketContainers, bucketContainerNames, bucketAllocations,
			bucketAllocIPIndex, bucketLayers, bucketVolumes, bucketLogs,
			bucketMetrics,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- containers ---

func (s *BoltStore) InsertContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		if containers.Get([]byte(c.ID)) != nil {
			return &quiltrrors.DuplicateID{ID: c.ID}
		}

		names := tx.Bucket(bucketContainerNames)
		if c.Name != "" && names.Get([]byte(c.Name)) != nil {
			return &quiltrrors.DuplicateName{Name: c.Name}
		}

		now := time.Now()
		c.CreatedAt = now
		c.UpdatedAt = now

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := containers.Put([]byte(c.ID), data); err != nil {
			return err
		}
		if c.Name != "" {
			if err := names.Put([]byte(c.Name), []byte(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateContainerState(id string, state types.ContainerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		raw := containers.Get([]byte(id))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "container", ID: id}
		}

		var c types.Container
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if !validContainerTransition(c.State, state) {
			return &quiltrrors.ValidationFailed{
				Message: fmt.Sprintf("invalid container state transition %s -> %s", c.State, state),
			}
		}
		c.State = state
		c.UpdatedAt = time.Now()

		data, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return containers.Put([]byte(id), data)
	})
}

// validContainerTransition enforces the state machine of spec section
// 4.6: Created -> Starting -> Running -> {Exited, Error}, and any
// state may transition to Error.
func validContainerTransition(from, to types.ContainerState) bool {
	if from == to {
		return true
	}
	if to == types.ContainerStateError {
		return true
	}
	switch from {
	case types.ContainerStateCreated:
		return to == types.ContainerStateStarting
	case types.ContainerStateStarting:
		return to == types.ContainerStateRunning
	case types.ContainerStateRunning:
		return to == types.ContainerStateExited
	default:
		return false
	}
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		if containers.Get([]byte(c.ID)) == nil {
			return &quiltrrors.NotFound{Kind: "container", ID: c.ID}
		}
		c.UpdatedAt = time.Now()
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return containers.Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContainers).Get([]byte(id))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "container", ID: id}
		}
		return json.Unmarshal(raw, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetContainerByName(name string) (*types.Container, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContainerNames).Get([]byte(name))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "container", ID: name}
		}
		id = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetContainer(id)
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, raw []byte) error {
			var c types.Container
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		raw := containers.Get([]byte(id))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "container", ID: id}
		}
		var c types.Container
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if c.Name != "" {
			if err := tx.Bucket(bucketContainerNames).Delete([]byte(c.Name)); err != nil {
				return err
			}
		}
		return containers.Delete([]byte(id))
	})
}

// --- network allocations ---

// AllocateIP implements spec section 4.1's atomic allocation contract:
// within one transaction, read all non-Cleaned allocations, pick the
// smallest unused address in the bridge's /16, and insert the new
// allocation guarded by a unique index on the IP. A conflict on that
// index (structurally impossible under bbolt's single-writer model,
// but part of the documented contract so a future multi-writer
// backend can keep the same retry shape) is retried with backoff.
func (s *BoltStore) AllocateIP(containerID, bridge, subnetCIDR string) (*types.NetworkAllocation, error) {
	var alloc *types.NetworkAllocation
	var lastErr error

	for attempt := 1; attempt <= maxIPAllocAttempts; attempt++ {
		err := s.db.Update(func(tx *bolt.Tx) error {
			used := make(map[string]bool)
			allocations := tx.Bucket(bucketAllocations)
			c := allocations.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var a types.NetworkAllocation
				if err := json.Unmarshal(v, &a); err != nil {
					return err
				}
				if a.Status != types.AllocationCleaned {
					used[a.IPAddress] = true
				}
			}

			ip, err := nextFreeIP(subnetCIDR, used)
			if err != nil {
				return err
			}

			ipIndex := tx.Bucket(bucketAllocIPIndex)
			if ipIndex.Get([]byte(ip)) != nil {
				return &quiltrrors.IPAllocationConflict{Attempt: attempt}
			}

			a := &types.NetworkAllocation{
				ContainerID: containerID,
				IPAddress:   ip,
				Bridge:      bridge,
				AllocatedAt: time.Now(),
				Status:      types.AllocationAllocated,
			}
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := allocations.Put([]byte(containerID), data); err != nil {
				return err
			}
			if err := ipIndex.Put([]byte(ip), []byte(containerID)); err != nil {
				return err
			}
			alloc = a
			return nil
		})
		if err == nil {
			return alloc, nil
		}

		var conflict *quiltrrors.IPAllocationConflict
		if !asIPAllocationConflict(err, &conflict) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * ipAllocBackoffUnit)
	}

	return nil, lastErr
}

func asIPAllocationConflict(err error, target **quiltrrors.IPAllocationConflict) bool {
	c, ok := err.(*quiltrrors.IPAllocationConflict)
	if ok {
		*target = c
	}
	return ok
}

// nextFreeIP picks the smallest host address in cidr's range
// [.10, .250] not present in used.
func nextFreeIP(cidr string, used map[string]bool) (string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("subnet %q is not IPv4", cidr)
	}

	for host := 10; host <= 250; host++ {
		candidate := net.IPv4(base[0], base[1], base[2], byte(host)).String()
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", &quiltrrors.NoAvailableIP{Subnet: cidr}
}

func (s *BoltStore) GetAllocation(containerID string) (*types.NetworkAllocation, error) {
	var a types.NetworkAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAllocations).Get([]byte(containerID))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "allocation", ID: containerID}
		}
		return json.Unmarshal(raw, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) UpdateAllocationStatus(containerID string, status types.AllocationStatus) error {
	return s.mutateAllocation(containerID, func(a *types.NetworkAllocation) {
		a.Status = status
	})
}

func (s *BoltStore) SetAllocationVeth(containerID, hostVeth, containerVeth string) error {
	return s.mutateAllocation(containerID, func(a *types.NetworkAllocation) {
		a.HostVeth = hostVeth
		a.ContainerVeth = containerVeth
	})
}

func (s *BoltStore) SetAllocationSetupCompleted(containerID string, completed bool) error {
	return s.mutateAllocation(containerID, func(a *types.NetworkAllocation) {
		a.SetupCompleted = completed
	})
}

func (s *BoltStore) mutateAllocation(containerID string, mutate func(*types.NetworkAllocation)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		allocations := tx.Bucket(bucketAllocations)
		raw := allocations.Get([]byte(containerID))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "allocation", ID: containerID}
		}
		var a types.NetworkAllocation
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		mutate(&a)
		if a.Status == types.AllocationCleaned {
			// A Cleaned allocation no longer holds its address.
			ipIndex := tx.Bucket(bucketAllocIPIndex)
			if string(ipIndex.Get([]byte(a.IPAddress))) == containerID {
				if err := ipIndex.Delete([]byte(a.IPAddress)); err != nil {
					return err
				}
			}
		}
		data, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return allocations.Put([]byte(containerID), data)
	})
}

func (s *BoltStore) ListActiveAllocations() ([]*types.NetworkAllocation, error) {
	var out []*types.NetworkAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllocations).ForEach(func(_, raw []byte) error {
			var a types.NetworkAllocation
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			if a.Status != types.AllocationCleaned {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteAllocation(containerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		allocations := tx.Bucket(bucketAllocations)
		raw := allocations.Get([]byte(containerID))
		if raw == nil {
			return nil
		}
		var a types.NetworkAllocation
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAllocIPIndex).Delete([]byte(a.IPAddress)); err != nil {
			return err
		}
		return allocations.Delete([]byte(containerID))
	})
}

// --- image layers ---

func (s *BoltStore) GetLayer(hash string) (*types.ImageLayer, error) {
	var l types.ImageLayer
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLayers).Get([]byte(hash))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "layer", ID: hash}
		}
		return json.Unmarshal(raw, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) UpsertLayer(layer *types.ImageLayer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(layer)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLayers).Put([]byte(layer.Hash), data)
	})
}

func (s *BoltStore) IncrefLayer(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		layers := tx.Bucket(bucketLayers)
		raw := layers.Get([]byte(hash))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "layer", ID: hash}
		}
		var l types.ImageLayer
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		l.RefCount++
		data, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		return layers.Put([]byte(hash), data)
	})
}

func (s *BoltStore) DecrefLayer(hash string) (int, error) {
	var refCount int
	err := s.db.Update(func(tx *bolt.Tx) error {
		layers := tx.Bucket(bucketLayers)
		raw := layers.Get([]byte(hash))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "layer", ID: hash}
		}
		var l types.ImageLayer
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		if l.RefCount > 0 {
			l.RefCount--
		}
		refCount = l.RefCount
		data, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		return layers.Put([]byte(hash), data)
	})
	return refCount, err
}

func (s *BoltStore) DeleteLayer(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).Delete([]byte(hash))
	})
}

// --- volumes ---

func (s *BoltStore) InsertVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		volumes := tx.Bucket(bucketVolumes)
		if volumes.Get([]byte(v.Name)) != nil {
			return &quiltrrors.DuplicateName{Name: v.Name}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return volumes.Put([]byte(v.Name), data)
	})
}

func (s *BoltStore) GetVolume(name string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVolumes).Get([]byte(name))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "volume", ID: name}
		}
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, raw []byte) error {
			var v types.Volume
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			out = append(out, &v)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) IncrefVolume(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		volumes := tx.Bucket(bucketVolumes)
		raw := volumes.Get([]byte(name))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "volume", ID: name}
		}
		var v types.Volume
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		v.RefCount++
		data, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		return volumes.Put([]byte(name), data)
	})
}

func (s *BoltStore) DecrefVolume(name string) (int, error) {
	var refCount int
	err := s.db.Update(func(tx *bolt.Tx) error {
		volumes := tx.Bucket(bucketVolumes)
		raw := volumes.Get([]byte(name))
		if raw == nil {
			return &quiltrrors.NotFound{Kind: "volume", ID: name}
		}
		var v types.Volume
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.RefCount > 0 {
			v.RefCount--
		}
		refCount = v.RefCount
		data, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		return volumes.Put([]byte(name), data)
	})
	return refCount, err
}

func (s *BoltStore) DeleteVolume(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(name))
	})
}

// --- logs ---

// AppendLog stores log lines under a per-container sub-bucket keyed by
// a monotonically increasing sequence number, pruned to the most
// recent maxLogLines entries.
func (s *BoltStore) AppendLog(containerID string, line string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketLogs)
		sub, err := root.CreateBucketIfNotExists([]byte(containerID))
		if err != nil {
			return err
		}

		seq, err := sub.NextSequence()
		if err != nil {
			return err
		}
		if err := sub.Put(seqKey(seq), []byte(line)); err != nil {
			return err
		}

		count := 0
		c := sub.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		if count > maxLogLines {
			excess := count - maxLogLines
			for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
				if err := sub.Delete(k); err != nil {
					return err
				}
				excess--
			}
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (s *BoltStore) GetLogs(containerID string) ([]string, error) {
	var lines []string
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketLogs).Bucket([]byte(containerID))
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(_, v []byte) error {
			lines = append(lines, string(v))
			return nil
		})
	})
	return lines, err
}

func (s *BoltStore) DeleteLogs(containerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketLogs)
		if root.Bucket([]byte(containerID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(containerID))
	})
}

// --- metrics ---

func (s *BoltStore) RecordMetric(containerID string, sample MetricSample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketMetrics)
		sub, err := root.CreateBucketIfNotExists([]byte(containerID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		return sub.Put(seqKey(uint64(sample.Timestamp.UnixNano())), data)
	})
}

func (s *BoltStore) PruneMetrics(olderThan time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketMetrics)
		cutoff := seqKey(uint64(olderThan.UnixNano()))

		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a sub-bucket
			}
			sub := root.Bucket(name)

			var stale [][]byte
			c := sub.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) < string(cutoff) {
					stale = append(stale, append([]byte{}, k...))
				}
			}
			for _, k := range stale {
				if err := sub.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
