package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/epokhe/caskdb/internal/config"
	"github.com/epokhe/caskdb/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  client set <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  client get <key>\n")
	fmt.Fprintf(os.Stderr, "  client delete <key>\n")
	fmt.Fprintf(os.Stderr, "  client merge\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var cmd wire.Command
	switch os.Args[1] {
	case "set":
		if len(os.Args) != 4 {
			usage()
		}
		cmd = wire.Command{Op: wire.OpSet, Key: []byte(os.Args[2]), Value: []byte(os.Args[3])}
	case "get":
		if len(os.Args) != 3 {
			usage()
		}
		cmd = wire.Command{Op: wire.OpGet, Key: []byte(os.Args[2])}
	case "delete":
		if len(os.Args) != 3 {
			usage()
		}
		cmd = wire.Command{Op: wire.OpDelete, Key: []byte(os.Args[2])}
	case "merge":
		if len(os.Args) != 2 {
			usage()
		}
		cmd = wire.Command{Op: wire.OpMerge}
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", os.Args[1])
		usage()
	}

	conn, err := net.Dial("tcp", cfg.Addr())
	if err != nil {
		log.Fatalf("dial %s: %v", cfg.Addr(), err)
	}
	defer conn.Close() // nolint:errcheck

	if _, err := conn.Write(encode(cmd)); err != nil {
		log.Fatalf("send request: %v", err)
	}

	reply, err := wire.ReadReply(bufio.NewReader(conn))
	if err != nil {
		log.Fatalf("read response: %v", err)
	}

	switch {
	case reply.Err != "":
		fmt.Fprintf(os.Stderr, "error: %s\n", reply.Err)
		os.Exit(1)
	case reply.Status == wire.StatusMiss:
		fmt.Println("(miss)")
	case reply.Status != "":
		fmt.Println(reply.Status)
	default:
		fmt.Println(string(reply.Value))
	}
}

func encode(cmd wire.Command) []byte {
	switch cmd.Op {
	case wire.OpSet:
		return fmt.Appendf(nil, "%s\r\n%d\r\n%s\r\n%d\r\n%s\r\n",
			cmd.Op, len(cmd.Key), cmd.Key, len(cmd.Value), cmd.Value)
	case wire.OpGet, wire.OpDelete:
		return fmt.Appendf(nil, "%s\r\n%d\r\n%s\r\n", cmd.Op, len(cmd.Key), cmd.Key)
	default:
		return fmt.Appendf(nil, "%s\r\n", cmd.Op)
	}
}
