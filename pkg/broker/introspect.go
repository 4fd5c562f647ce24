package broker

import (
	"sort"
)

/*
ClientInfo describes one connection for rpcswitch.get_clients and the status
server. Worker fields stay zero for plain clients.
*/
type ClientInfo struct {
	Who        string   `json:"who,omitempty"`
	State      string   `json:"state"`
	Workername string   `json:"workername,omitempty"`
	WorkerID   uint64   `json:"worker_id,omitempty"`
	Methods    []string `json:"methods,omitempty"`
}

// MethodInfo is one row of the public method table.
type MethodInfo struct {
	Name string `json:"name"`
	Doc  string `json:"doc,omitempty"`
}

// WorkerInfo describes one announcement of a backend.
type WorkerInfo struct {
	From        string `json:"from"`
	Workername  string `json:"workername,omitempty"`
	WorkerID    uint64 `json:"worker_id"`
	FilterValue string `json:"filter,omitempty"`
	Refcount    int    `json:"refcount"`
}

// MethodDetails is the full picture of one public method: its policy entries
// and whoever currently serves its backend.
type MethodDetails struct {
	Method    string       `json:"method"`
	Backend   string       `json:"backend"`
	ACL       []string     `json:"acl,omitempty"`
	FilterKey string       `json:"filter_key,omitempty"`
	Doc       string       `json:"doc,omitempty"`
	Workers   []WorkerInfo `json:"workers,omitempty"`
}

// Stats is the rpcswitch.get_stats result. Methods lists only the methods
// that have been called since the policy snapshot was installed.
type Stats struct {
	Chunks      int64             `json:"chunks"`
	Clients     int64             `json:"clients"`
	Connections int64             `json:"connections"`
	Workers     int64             `json:"workers"`
	Methods     map[string]uint64 `json:"methods"`
}

// Clients snapshots every connection keyed by peer address.
func (b *Broker) Clients() map[string]ClientInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := make(map[string]ClientInfo, len(b.conns))

	for conn := range b.conns {
		info := ClientInfo{
			Who:        conn.who,
			State:      string(conn.state),
			Workername: conn.workername,
			WorkerID:   conn.workerID,
		}

		for name := range conn.methods {
			info.Methods = append(info.Methods, name)
		}

		sort.Strings(info.Methods)
		clients[conn.from] = info
	}

	return clients
}

// MethodList snapshots the public method table of the active policy.
func (b *Broker) MethodList() []MethodInfo {
	methods := b.Policy().Methods()
	list := make([]MethodInfo, 0, len(methods))

	for _, m := range methods {
		list = append(list, MethodInfo{Name: m.Name, Doc: m.Doc})
	}

	return list
}

// MethodDetails resolves one public method against the active policy and the
// worker registry.
func (b *Broker) MethodDetails(name string) (MethodDetails, bool) {
	pol := b.Policy()
	m := pol.Method(name)

	if m == nil {
		return MethodDetails{}, false
	}

	details := MethodDetails{
		Method:  m.Name,
		Backend: m.Backend,
		Doc:     m.Doc,
	}

	if acl, ok := pol.MethodACL(m.Name); ok {
		details.ACL = acl
	}

	if key, ok := pol.FilterKey(m.Backend); ok {
		details.FilterKey = key
	}

	b.mu.Lock()
	details.Workers = b.workerInfos(m.Backend)
	b.mu.Unlock()

	return details, true
}

// Workers snapshots every announced backend with its serving connections.
func (b *Broker) Workers() map[string][]WorkerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	workers := make(map[string][]WorkerInfo)

	for _, backend := range b.workers.Backends() {
		workers[backend] = b.workerInfos(backend)
	}

	return workers
}

// workerInfos lists the announcements of one backend. Caller holds the
// broker lock.
func (b *Broker) workerInfos(backend string) []WorkerInfo {
	announcements := b.workers.Announcements(backend)

	if len(announcements) == 0 {
		return nil
	}

	infos := make([]WorkerInfo, 0, len(announcements))

	for _, wm := range announcements {
		conn := wm.Conn.(*Connection)
		infos = append(infos, WorkerInfo{
			From:        conn.from,
			Workername:  conn.workername,
			WorkerID:    conn.workerID,
			FilterValue: wm.FilterValue,
			Refcount:    conn.refcount,
		})
	}

	return infos
}

// Stats snapshots the switch counters plus the per-method call counts of the
// active policy.
func (b *Broker) Stats() Stats {
	b.mu.Lock()

	var workers int64

	for conn := range b.conns {
		if len(conn.methods) > 0 {
			workers++
		}
	}

	clients := int64(len(b.conns))
	b.mu.Unlock()

	stats := Stats{
		Chunks:      b.metrics.ChunkCount(),
		Clients:     clients,
		Connections: b.metrics.ConnectionCount(),
		Workers:     workers,
		Methods:     make(map[string]uint64),
	}

	for _, m := range b.Policy().Methods() {
		if calls := m.Calls(); calls > 0 {
			stats.Methods[m.Name] = calls
		}
	}

	return stats
}
