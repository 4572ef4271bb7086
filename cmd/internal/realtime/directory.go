package realtime

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
)

const directoryShards = 32

// DirectoryEvent describes one effective mutation of the Directory.
type DirectoryEvent struct {
	UserID    string
	SessionID string
	Joined    bool // true on register, false on deregister
	Online    bool // user online after the mutation
}

// Directory maps each online user to the set of its live connections.
//
// Concurrency guarantees:
// - Users are spread over shards; each shard has its own lock, there is no global lock.
// - An entry exists iff its connection set is non-empty.
// - Listeners run after the shard lock is released.
type Directory struct {
	log    *slog.Logger
	shards [directoryShards]dirShard

	lmu       sync.RWMutex
	listeners []func(DirectoryEvent)
}

type dirShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Client // user -> session -> client
}

// NewDirectory constructs an empty Directory.
func NewDirectory(log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	d := &Directory{log: log}
	for i := range d.shards {
		d.shards[i].users = make(map[string]map[string]*Client)
	}
	return d
}

func (d *Directory) shard(userID string) *dirShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &d.shards[h.Sum32()%directoryShards]
}

// OnChange subscribes fn to every effective mutation. Re-registering an already present
// connection or removing an absent one notifies nobody.
func (d *Directory) OnChange(fn func(DirectoryEvent)) {
	if d == nil || fn == nil {
		return
	}
	d.lmu.Lock()
	d.listeners = append(d.listeners, fn)
	d.lmu.Unlock()
}

func (d *Directory) notify(ev DirectoryEvent) {
	d.lmu.RLock()
	ls := d.listeners
	d.lmu.RUnlock()

	for _, fn := range ls {
		fn(ev)
	}
}

// Register adds c to userID's set. It reports whether userID just came online.
func (d *Directory) Register(userID string, c *Client) (first bool) {
	if d == nil || userID == "" || c == nil || c.SessionID == "" {
		return false
	}

	s := d.shard(userID)
	s.mu.Lock()
	set := s.users[userID]
	if set == nil {
		set = make(map[string]*Client)
		s.users[userID] = set
		first = true
	}
	if _, dup := set[c.SessionID]; dup {
		s.mu.Unlock()
		return false
	}
	set[c.SessionID] = c
	n := len(set)
	s.mu.Unlock()

	d.log.Info("directory.register", "user_id", userID, "session_id", c.SessionID, "connections", n)
	d.notify(DirectoryEvent{UserID: userID, SessionID: c.SessionID, Joined: true, Online: true})
	return first
}

// Deregister removes c from userID's set. It reports whether userID just went offline.
func (d *Directory) Deregister(userID string, c *Client) (last bool) {
	if d == nil || userID == "" || c == nil {
		return false
	}

	s := d.shard(userID)
	s.mu.Lock()
	set := s.users[userID]
	if set == nil || set[c.SessionID] != c {
		s.mu.Unlock()
		return false
	}
	delete(set, c.SessionID)
	n := len(set)
	if n == 0 {
		delete(s.users, userID)
		last = true
	}
	s.mu.Unlock()

	d.log.Info("directory.deregister", "user_id", userID, "session_id", c.SessionID, "connections", n)
	d.notify(DirectoryEvent{UserID: userID, SessionID: c.SessionID, Joined: false, Online: !last})
	return last
}

// ConnectionsOf returns userID's live connections ordered by session id.
func (d *Directory) ConnectionsOf(userID string) []*Client {
	if d == nil {
		return nil
	}
	s := d.shard(userID)
	s.mu.RLock()
	set := s.users[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (d *Directory) IsOnline(userID string) bool {
	if d == nil {
		return false
	}
	s := d.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// OnlineUsers returns the sorted ids of every online user.
func (d *Directory) OnlineUsers() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0)
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for u := range s.users {
			out = append(out, u)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Connections returns every live connection.
func (d *Directory) Connections() []*Client {
	if d == nil {
		return nil
	}
	out := make([]*Client, 0)
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for _, set := range s.users {
			for _, c := range set {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// DirectoryStats is a point-in-time view for diagnostics.
type DirectoryStats struct {
	Connections int                 `json:"connections"`
	Users       map[string][]string `json:"users"` // user -> session ids
}

// Stats returns connection counts and per-user session ids.
func (d *Directory) Stats() DirectoryStats {
	st := DirectoryStats{Users: make(map[string][]string)}
	if d == nil {
		return st
	}
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for u, set := range s.users {
			ids := make([]string, 0, len(set))
			for sid := range set {
				ids = append(ids, sid)
			}
			sort.Strings(ids)
			st.Users[u] = ids
			st.Connections += len(ids)
		}
		s.mu.RUnlock()
	}
	return st
}
