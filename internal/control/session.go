package control

import (
	"bufio"
	"net"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/govrrpd/govrrpd/internal/vrrp"
)

const prompt = "govrrpd> "

// session is one accepted control connection. Its goroutine only ever
// reads a line, hands it to Backend.Execute (which posts to the loop and
// waits for the reply), and writes the response; it never touches
// registry state itself.
type session struct {
	conn    net.Conn
	backend *Backend
	loop    *vrrp.Loop
	logger  log.Logger
}

func newSession(conn net.Conn, backend *Backend, loop *vrrp.Loop, logger log.Logger) *session {
	return &session{conn: conn, backend: backend, loop: loop, logger: logger}
}

func (s *session) close() { _ = s.conn.Close() }

// serve runs the read-dispatch-reply loop until the connection closes or
// the client sends "exit".
func (s *session) serve() {
	defer s.conn.Close()

	if _, err := s.conn.Write([]byte(prompt)); err != nil {
		return
	}

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if _, err := s.conn.Write([]byte(prompt)); err != nil {
				return
			}
			continue
		}

		reply, shouldExit := s.backend.Execute(s.loop, line)
		if reply != "" {
			if _, err := s.conn.Write([]byte(reply)); err != nil {
				return
			}
		}
		if shouldExit {
			return
		}
		if _, err := s.conn.Write([]byte(prompt)); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		level.Debug(s.logger).Log("msg", "control session read error", "err", err)
	}
}
