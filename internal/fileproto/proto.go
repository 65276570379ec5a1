// Package fileproto implements the line-oriented LIST/DOWNLOAD file transfer
// protocol spoken by the upstream file server.
//
//	LIST\n                -> OK\n<n>\n<name>\n...END\n
//	DOWNLOAD <name>\n     -> OK\n<size>\n<size raw bytes>
//	anything that fails   -> ERROR <reason>\n
package fileproto

import (
	"github.com/pkg/errors"
)

const (
	CmdList     = "LIST"
	CmdDownload = "DOWNLOAD"

	StatusOK    = "OK"
	StatusError = "ERROR"
	ListEnd     = "END"

	ReasonFileNotFound   = "FileNotFound"
	ReasonInvalidCommand = "InvalidCommand"
)

var (
	ErrNotFound = errors.New("fileproto: file not found")
	// ErrProtocol is returned for replies that do not follow the grammar.
	ErrProtocol = errors.New("fileproto: protocol violation")
)

// RemoteError is an ERROR reply from the server.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string { return "fileproto: server error: " + e.Reason }

func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.Reason == ReasonFileNotFound
}

func protocolErr(format string, args ...any) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}
