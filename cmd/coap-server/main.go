// Command coap-server runs a small CoAP endpoint exposing a plain
// resource and an observable counter, demonstrating the endpoint,
// transport/udp and auth packages together.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/localrivet/gocoap/auth"
	"github.com/localrivet/gocoap/endpoint"
	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport/udp"
)

func main() {
	addr := flag.String("addr", ":5683", "UDP address to listen on")
	jwksURL := flag.String("jwks-url", "", "if set, guard /secure with a JWKS bearer validator at this URL")
	flag.Parse()

	logger := logx.NewDefaultLogger()

	t := udp.NewTransport(*addr, true, udp.WithLogger(logger))
	ep := endpoint.NewEndpoint(t, endpoint.DefaultConfig(), nil, logger)

	if err := ep.Router().Handle("/time", timeHandler); err != nil {
		logger.Error("register /time: %v", err)
		os.Exit(1)
	}

	counter := ep.NewObservableResource("/obs/counter", nil)
	if err := ep.Router().Handle("/obs/counter", counterHandler(counter)); err != nil {
		logger.Error("register /obs/counter: %v", err)
		os.Exit(1)
	}

	if *jwksURL != "" {
		validator, err := auth.NewJWKSTokenValidator(auth.JWKSConfig{JWKSURL: *jwksURL}, http.DefaultClient)
		if err != nil {
			logger.Error("configure JWKS validator: %v", err)
			os.Exit(1)
		}
		secure := auth.BearerGuard(validator, secureHandler)
		if err := ep.Router().Handle("/secure", secure); err != nil {
			logger.Error("register /secure: %v", err)
			os.Exit(1)
		}
	}

	if err := ep.Start(); err != nil {
		logger.Error("start endpoint: %v", err)
		os.Exit(1)
	}
	logger.Info("coap-server listening on %s", t.LocalAddress())

	stop := make(chan struct{})
	go tickCounter(counter, ep.Sender(), stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	if err := ep.Stop(); err != nil {
		logger.Warn("stop endpoint: %v", err)
	}
}

func timeHandler(ex *endpoint.Exchange) error {
	ex.Response.Code = message.Content
	ex.Response.Payload = []byte(time.Now().UTC().Format(time.RFC3339))
	return nil
}

func secureHandler(ex *endpoint.Exchange) error {
	principal, _ := auth.PrincipalFromContext(ex.Context)
	ex.Response.Code = message.Content
	ex.Response.Payload = []byte(fmt.Sprintf("hello, %s", principal.GetSubject()))
	return nil
}

// counterHandler registers or deregisters an observation on GET,
// answering with the current relation count either way.
func counterHandler(resource *endpoint.ObservableResource) endpoint.Handler {
	return func(ex *endpoint.Exchange) error {
		if _, ok := ex.Request.Options.Observe(); ok {
			rel := resource.Register(ex.Request, false)
			ex.Response.Options.SetObserve(rel.NextSeq())
		} else {
			resource.Deregister(ex.Request.Remote)
		}
		ex.Response.Code = message.Content
		ex.Response.Payload = []byte(strconv.Itoa(resource.Len()))
		return nil
	}
}

// tickCounter pushes a change notification once a second until stop is
// closed, simulating a counter resource whose value changes on its own.
func tickCounter(resource *endpoint.ObservableResource, sender endpoint.Sender, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-stop:
			resource.NotifyTermination(message.CodeEmpty, sender, nil)
			return
		case <-ticker.C:
			n++
			resource.NotifyChange([]byte(strconv.Itoa(n)), nil, sender, nil)
		}
	}
}
