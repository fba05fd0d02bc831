// Package clientrt implements the client-side runtime: the
// long-running process that maintains a control channel, drives the
// transmitter backend, and services the server's file-transfer commands.
package clientrt

import (
	"context"
	"fmt"

	"botwave/internal/transmitter"
)

// RequestKind names the two operations that must run on the main thread
// because the transmitter backend forbids being driven from a worker.
type RequestKind int

const (
	RequestStart RequestKind = iota
	RequestStop
)

// Request is posted by the network task and executed by the main-thread
// loop in Trampoline.Run.
type Request struct {
	Kind RequestKind
	Freq float64
	PS   string
	RT   string
	PI   string
	Loop bool
	AudioSource string

	reply chan Response
}

// Response is correlated back to the Request that produced it by the
// channel identity captured in Request.reply — the network task blocks on
// it (until the Response arrives or its context is done) before replying
// to the server.
type Response struct {
	Err error
}

// Trampoline decouples the network task from the main-thread-only
// transmitter backend via a buffered request/response channel pair.
type Trampoline struct {
	Backend transmitter.Backend
	reqs    chan Request
}

// NewTrampoline returns a Trampoline driving backend. queueDepth bounds how
// many in-flight requests the network task may post before blocking.
func NewTrampoline(backend transmitter.Backend, queueDepth int) *Trampoline {
	return &Trampoline{Backend: backend, reqs: make(chan Request, queueDepth)}
}

// Run executes posted requests until ctx is done. It must be called from
// the process's main goroutine.
func (t *Trampoline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.reqs:
			req.reply <- t.execute(req)
		}
	}
}

func (t *Trampoline) execute(req Request) Response {
	switch req.Kind {
	case RequestStart:
		return Response{Err: t.Backend.Start(req.Freq, req.PS, req.RT, req.PI, req.Loop, req.AudioSource)}
	case RequestStop:
		return Response{Err: t.Backend.Stop()}
	default:
		return Response{Err: fmt.Errorf("clientrt: unknown request kind %d", req.Kind)}
	}
}

// Submit posts req to the main thread and blocks (respecting ctx) for its
// Response.
func (t *Trampoline) Submit(ctx context.Context, req Request) Response {
	req.reply = make(chan Response, 1)
	select {
	case t.reqs <- req:
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
}
