package engine

import "net"

// runReactor is the per-connection "reactor" task (§5): it does nothing
// but block on Read and forward whatever bytes arrive (or the fact that
// the connection closed) into the session's inbound queue. It never
// touches Session fields directly — only the dispatcher goroutine does —
// so no lock is needed despite running concurrently with the dispatcher.
func runReactor(conn net.Conn, inbound chan<- []byte, closed chan<- struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			inbound <- chunk
		}
		if err != nil {
			close(closed)
			return
		}
	}
}
