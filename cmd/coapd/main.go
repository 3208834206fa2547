// Command coapd runs a standalone CoAP reliability-core server: a UDP
// listener, the request dispatcher, and an optional admin HTTP/WebSocket
// surface, all wired together from a TOML configuration file.
package main

import (
	"net/http"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/admin"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func listenAdmin(address string, surface *admin.Surface) error {
	return http.ListenAndServe(address, surface)
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	d, err := parseDaemon(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	log.WithField("listen", os.Args[1]).Info("coapd started")

	waitSigint()
	log.Info("Shutting down..")

	if err := d.Close(); err != nil {
		log.WithError(err).Error("error while shutting down")
	}
}
