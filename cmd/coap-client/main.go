// Command coap-client issues a confirmable GET against /time and then
// observes /obs/counter on a coap-server instance, printing each
// notification until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localrivet/gocoap/client"
	"github.com/localrivet/gocoap/endpoint"
	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/transport/udp"
)

func main() {
	remote := flag.String("remote", "127.0.0.1:5683", "server address to talk to")
	flag.Parse()

	logger := logx.NewDefaultLogger()

	t := udp.NewTransport(*remote, false, udp.WithLogger(logger))
	c := client.New(t, *remote, endpoint.DefaultConfig(), logger)
	if err := c.Start(); err != nil {
		logger.Error("start client: %v", err)
		os.Exit(1)
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	resp, err := c.Get(ctx, "/time")
	cancel()
	if err != nil {
		logger.Error("GET /time: %v", err)
		os.Exit(1)
	}
	fmt.Printf("server time: %s\n", resp.Payload)

	obsCtx, obsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	obs, err := c.Observe(obsCtx, "/obs/counter")
	obsCancel()
	if err != nil {
		logger.Error("observe /obs/counter: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case n, ok := <-obs.Notifications:
			if !ok {
				fmt.Println("observation terminated")
				return
			}
			fmt.Printf("counter notification: %s\n", n.Payload)
		case <-sig:
			cancelCtx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
			if err := obs.Cancel(cancelCtx, "/obs/counter"); err != nil {
				logger.Warn("cancel observation: %v", err)
			}
			cancelFn()
			return
		}
	}
}
