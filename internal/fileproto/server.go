package fileproto

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/matst80/natrelay/internal/obs"
	"github.com/pkg/errors"
)

// Server answers LIST and DOWNLOAD for the regular files of one directory.
type Server struct {
	dir string
}

func NewServer(dir string) *Server { return &Server{dir: dir} }

// Serve accepts until ctx is done or the listener fails, one goroutine per
// connection. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.ServeConn(c)
	}
}

// ServeConn handles commands on c until the peer closes it.
func (s *Server) ServeConn(c net.Conn) {
	defer c.Close()
	remote := c.RemoteAddr().String()
	obs.Info("fileserver.connect", obs.Fields{"remote": remote})
	rd := bufio.NewReader(c)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obs.Error("fileserver.read", obs.Fields{"remote": remote, "err": err.Error()})
			}
			obs.Info("fileserver.disconnect", obs.Fields{"remote": remote})
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		obs.Debug("fileserver.command", obs.Fields{"remote": remote, "line": line})
		if err := s.dispatch(c, line); err != nil {
			obs.Error("fileserver.write", obs.Fields{"remote": remote, "err": err.Error()})
			return
		}
	}
}

func (s *Server) dispatch(w io.Writer, line string) error {
	parts := strings.Fields(line)
	switch {
	case strings.EqualFold(parts[0], CmdList):
		// arguments after LIST are ignored
		return s.sendList(w)
	case strings.EqualFold(parts[0], CmdDownload) && len(parts) == 2:
		return s.sendFile(w, parts[1])
	default:
		return writeError(w, ReasonInvalidCommand)
	}
}

// Files returns the names of the regular files served, sorted.
func (s *Server) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read dir")
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *Server) sendList(w io.Writer) error {
	names, err := s.Files()
	if err != nil {
		obs.Error("fileserver.list", obs.Fields{"err": err.Error()})
		names = nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d\n", StatusOK, len(names))
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	b.WriteString(ListEnd + "\n")
	_, err = io.WriteString(w, b.String())
	return err
}

func (s *Server) sendFile(w io.Writer, name string) error {
	f, size, ok := s.open(name)
	if !ok {
		obs.Info("fileserver.not_found", obs.Fields{"name": name})
		return writeError(w, ReasonFileNotFound)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(w, "%s\n%d\n", StatusOK, size); err != nil {
		return err
	}
	n, err := io.CopyN(w, f, size)
	if err != nil {
		return errors.Wrapf(err, "send %s after %d bytes", name, n)
	}
	obs.Info("fileserver.sent", obs.Fields{"name": name, "bytes": n})
	return nil
}

// open resolves name inside the served directory only.
func (s *Server) open(name string) (*os.File, int64, bool) {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, 0, false
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, 0, false
	}
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, false
	}
	return f, st.Size(), true
}

func writeError(w io.Writer, reason string) error {
	_, err := fmt.Fprintf(w, "%s %s\n", StatusError, reason)
	return err
}
