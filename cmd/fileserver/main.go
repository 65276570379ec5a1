package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/natrelay/internal/fileproto"
	"github.com/matst80/natrelay/internal/obs"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:9000", "address to serve files on")
	dir := flag.String("dir", "./files", "directory whose regular files are served")
	debug := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()
	obs.EnableDebug(*debug)

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		obs.Error("fileserver.dir", obs.Fields{"err": err.Error(), "dir": *dir})
		os.Exit(1)
	}
	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		obs.Error("fileserver.listen", obs.Fields{"err": err.Error(), "addr": *listen})
		os.Exit(1)
	}
	obs.Info("fileserver.start", obs.Fields{"addr": ln.Addr().String(), "dir": *dir})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fileproto.NewServer(*dir).Serve(ctx, ln); err != nil {
		obs.Error("fileserver.serve", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
