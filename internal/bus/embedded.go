package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Embedded is an in-process NATS server with JetStream enabled, used by
// `fleet run --embedded-nats` and by tests.
type Embedded struct {
	Server *server.Server
	Conn   *nats.Conn
}

// StartEmbedded launches a NATS server on a random port. storeDir holds
// JetStream data; an empty value lets the server pick a temp directory.
func StartEmbedded(storeDir string) (*Embedded, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	return &Embedded{Server: ns, Conn: conn}, nil
}

// Shutdown closes the client connection and stops the server.
func (e *Embedded) Shutdown() {
	if e.Conn != nil {
		e.Conn.Close()
	}
	if e.Server != nil {
		e.Server.Shutdown()
		e.Server.WaitForShutdown()
	}
}
