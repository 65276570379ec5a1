package fileproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Client issues commands over one connection. It is not safe for concurrent use.
type Client struct {
	w  io.Writer
	rd *bufio.Reader
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{w: rw, rd: bufio.NewReader(rw)}
}

// List returns the file names the server reports.
func (c *Client) List() ([]string, error) {
	if _, err := io.WriteString(c.w, CmdList+"\n"); err != nil {
		return nil, errors.Wrap(err, "send LIST")
	}
	if err := c.readStatus(); err != nil {
		return nil, err
	}
	n, err := c.readInt()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name, err := c.readLine()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	end, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if end != ListEnd {
		return names, protocolErr("expected %s, got %q", ListEnd, end)
	}
	return names, nil
}

// Download writes the content of name to w and returns its size.
func (c *Client) Download(name string, w io.Writer) (int64, error) {
	if _, err := fmt.Fprintf(c.w, "%s %s\n", CmdDownload, name); err != nil {
		return 0, errors.Wrap(err, "send DOWNLOAD")
	}
	if err := c.readStatus(); err != nil {
		return 0, err
	}
	size, err := c.readInt()
	if err != nil {
		return 0, err
	}
	n, err := io.CopyN(w, c.rd, int64(size))
	if err != nil {
		return n, errors.Wrapf(err, "download %s: got %d of %d bytes", name, n, size)
	}
	return n, nil
}

func (c *Client) readLine() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read reply")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) readStatus() error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if reason, ok := strings.CutPrefix(line, StatusError); ok {
		return &RemoteError{Reason: strings.TrimSpace(reason)}
	}
	if line != StatusOK {
		return protocolErr("unexpected status %q", line)
	}
	return nil
}

func (c *Client) readInt() (int, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, protocolErr("bad count %q", line)
	}
	return n, nil
}
