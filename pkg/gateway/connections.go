package gateway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// writeDeadline bounds every per-client write. A client that can't keep
// up with the stream gets disconnected rather than stalling delivery to
// everyone else.
const writeDeadline = 250 * time.Millisecond

// connection is one accepted TCP client's live state.
type connection struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	remotePort  int
	connectedAt time.Time

	mu           sync.Mutex
	bytesWritten uint64
	active       bool
}

func (c *connection) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:            c.id,
		RemoteAddress: c.remoteAddr,
		RemotePort:    c.remotePort,
		ConnectedAt:   c.connectedAt,
		BytesWritten:  c.bytesWritten,
		IsActive:      c.active,
	}
}

func (c *connection) write(buf []byte) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return fmt.Errorf("gateway: connection %s is closed", c.id)
	}
	c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("gateway: set write deadline on %s: %w", c.id, err)
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("gateway: write to %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.bytesWritten += uint64(n)
	c.mu.Unlock()
	return nil
}

func (c *connection) close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()
	c.conn.Close() //nolint:errcheck
}

// connectionManager accepts and tracks the server's TCP clients, and
// broadcasts frame buffers to all of them on a best-effort basis: one
// slow or dead client never blocks delivery to the rest.
type connectionManager struct {
	maxConnections int
	idleTimeout    time.Duration
	onConnected    func(id string, info ConnectionInfo)
	onDisconnected func(id string)

	mu      sync.Mutex
	next    uint64
	total   uint64
	clients map[string]*connection
}

func newConnectionManager(maxConnections int, idleTimeout time.Duration, onConnected func(string, ConnectionInfo), onDisconnected func(string)) *connectionManager {
	return &connectionManager{
		maxConnections: maxConnections,
		idleTimeout:    idleTimeout,
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
		clients:        make(map[string]*connection),
	}
}

// accept registers a newly dialed connection, applying the socket
// tunables spec §4.2 calls for. It returns false (and closes conn)
// without registering it if max_connections is already reached.
func (m *connectionManager) accept(conn net.Conn) bool {
	m.mu.Lock()
	if len(m.clients) >= m.maxConnections {
		m.mu.Unlock()
		conn.Close() //nolint:errcheck
		return false
	}

	m.next++
	m.total++
	id := fmt.Sprintf("conn_%d", m.next)
	m.mu.Unlock()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)                  //nolint:errcheck
		tc.SetKeepAlive(true)                //nolint:errcheck
		tc.SetKeepAlivePeriod(m.idleTimeout) //nolint:errcheck
	}

	host, port := splitHostPort(conn.RemoteAddr().String())
	entry := &connection{
		id:          id,
		conn:        conn,
		remoteAddr:  host,
		remotePort:  port,
		connectedAt: time.Now(),
		active:      true,
	}

	m.mu.Lock()
	m.clients[id] = entry
	m.mu.Unlock()

	if m.onConnected != nil {
		m.onConnected(id, entry.info())
	}

	go m.monitorClose(entry)
	return true
}

// monitorClose is the connection's close/error handler: downstream
// players never send anything on this one-directional wire protocol,
// so the only way to observe a remote close (or a dead socket) is to
// block on a read that's expected to fail. Any read error — EOF from
// an orderly close, or a reset — disconnects the client exactly once.
func (m *connectionManager) monitorClose(c *connection) {
	discard := make([]byte, 256)
	for {
		if _, err := c.conn.Read(discard); err != nil {
			m.disconnect(c.id)
			return
		}
	}
}

// disconnect closes and unregisters a client. Safe to call more than
// once for the same id; only the first call fires onDisconnected.
func (m *connectionManager) disconnect(id string) {
	m.mu.Lock()
	entry, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.close()
	if m.onDisconnected != nil {
		m.onDisconnected(id)
	}
}

// send writes buf to a single client by id, disconnecting it if the
// write fails or times out. Reports whether the write succeeded,
// including the id-not-found case. broadcast is send fanned out over
// every registered client.
func (m *connectionManager) send(id string, buf []byte) bool {
	m.mu.Lock()
	c, ok := m.clients[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := c.write(buf); err != nil {
		m.disconnect(c.id)
		return false
	}
	return true
}

// broadcast writes buf to every connected client, disconnecting any
// client whose write fails or times out, and reports whether at least
// one write succeeded. A single bad client is isolated from the rest,
// matching spec §4.2's "best-effort, independent per-client delivery".
// Writes fan out over a bounded, panic-safe pool so one client's write
// can't stall or crash the delivery of another's.
func (m *connectionManager) broadcast(buf []byte) bool {
	m.mu.Lock()
	targets := make([]*connection, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return false
	}

	var delivered int32
	p := pool.New().WithMaxGoroutines(len(targets))
	for _, c := range targets {
		c := c
		p.Go(func() {
			if err := c.write(buf); err != nil {
				m.disconnect(c.id)
				return
			}
			atomic.AddInt32(&delivered, 1)
		})
	}
	p.Wait()
	return atomic.LoadInt32(&delivered) > 0
}

// activeCount reports the number of currently registered clients.
func (m *connectionManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// totalCount reports the lifetime count of accepted (non-rejected)
// connections, monotonic across disconnects.
func (m *connectionManager) totalCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// snapshot returns an independent copy of every registered client's
// info, safe to hand to a caller outside the manager's lock.
func (m *connectionManager) snapshot() []ConnectionInfo {
	m.mu.Lock()
	entries := make([]*connection, 0, len(m.clients))
	for _, c := range m.clients {
		entries = append(entries, c)
	}
	m.mu.Unlock()

	infos := make([]ConnectionInfo, len(entries))
	for i, c := range entries {
		infos[i] = c.info()
	}
	return infos
}

// closeAll disconnects every registered client, e.g. during server
// shutdown.
func (m *connectionManager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.disconnect(id)
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port) //nolint:errcheck
	return host, port
}
