package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matst80/natrelay/internal/fileproto"
	"github.com/pkg/errors"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fileclient:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("fileclient", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8000", "proxy (or file server) address")
	out := fs.String("out", "./downloads", "directory downloads are saved to")
	timeout := fs.Duration("dial-timeout", 5*time.Second, "connect timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: fileclient [flags] [list | get <name>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		return errors.Wrapf(err, "connect %s", *addr)
	}
	defer c.Close()
	cl := fileproto.NewClient(c)

	switch rest := fs.Args(); {
	case len(rest) == 0:
		fmt.Fprintf(stdout, "Connected to %s\n", *addr)
		return interactive(cl, *out, stdin, stdout)
	case rest[0] == "list" && len(rest) == 1:
		return list(cl, stdout)
	case rest[0] == "get" && len(rest) == 2:
		return download(cl, *out, rest[1], stdout)
	default:
		fs.Usage()
		return errors.Errorf("unknown command %q", strings.Join(rest, " "))
	}
}

func interactive(cl *fileproto.Client, outDir string, stdin io.Reader, stdout io.Writer) error {
	sc := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "Enter command (LIST, DOWNLOAD <file>, QUIT): ")
		if !sc.Scan() {
			fmt.Fprintln(stdout)
			return sc.Err()
		}
		parts := strings.Fields(sc.Text())
		if len(parts) == 0 {
			continue
		}
		var err error
		switch verb := strings.ToUpper(parts[0]); {
		case verb == "QUIT":
			fmt.Fprintln(stdout, "Closing connection.")
			return nil
		case verb == fileproto.CmdList && len(parts) == 1:
			err = list(cl, stdout)
		case verb == fileproto.CmdDownload && len(parts) == 2:
			err = download(cl, outDir, parts[1], stdout)
		default:
			fmt.Fprintln(stdout, "Invalid command. Use: LIST, DOWNLOAD <filename>, QUIT")
			continue
		}
		var remote *fileproto.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintln(stdout, "Server error:", remote.Reason)
			continue
		}
		if err != nil {
			return err
		}
	}
}

func list(cl *fileproto.Client, stdout io.Writer) error {
	names, err := cl.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Server reports %d file(s):\n", len(names))
	for _, n := range names {
		fmt.Fprintln(stdout, " -", n)
	}
	return nil
}

// download writes to a temporary file first so a broken transfer leaves
// nothing behind under the final name.
func download(cl *fileproto.Client, outDir, name string, stdout io.Writer) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create download dir")
	}
	tmp, err := os.CreateTemp(outDir, "."+filepath.Base(name)+".part-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := cl.Download(name, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	path := filepath.Join(outDir, filepath.Base(name))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "save download")
	}
	fmt.Fprintf(stdout, "Saved %s (%d bytes) to %s\n", name, n, path)
	return nil
}
