package server

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jeffnash/bridge-ws/internal/protocol"
	"github.com/jeffnash/bridge-ws/internal/runner"
)

// activeRequest is one in-flight call: the request id keys the registry and
// the back-reference routes cancellation to the executing runner.
type activeRequest struct {
	runner runner.Runner
}

// connection owns everything scoped to one client socket: the active request
// registry, the per-provider runner cache, and the liveness flag. Nothing
// here is shared across connections.
type connection struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	// writeMu serializes frame writes; gorilla permits one writer at a time.
	writeMu sync.Mutex

	// mu guards requests and runners against runner-callback goroutines.
	mu       sync.Mutex
	requests map[string]*activeRequest
	runners  map[protocol.Provider]runner.Runner

	isAlive atomic.Bool
	closed  atomic.Bool
}

func newConnection(id string, ws *websocket.Conn, srv *Server) *connection {
	c := &connection{
		id:       id,
		ws:       ws,
		srv:      srv,
		requests: make(map[string]*activeRequest),
		runners:  make(map[protocol.Provider]runner.Runner),
	}
	c.isAlive.Store(true)
	return c
}

// send writes one outbound frame. Writes are best-effort: a closed socket
// drops the frame with a log line.
func (c *connection) send(frame any) {
	if c.closed.Load() {
		log.WithFields(log.Fields{"conn_id": c.id}).Debug("server: dropping frame for closed connection")
		return
	}
	data := protocol.Encode(frame)
	if data == nil {
		return
	}
	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		log.WithFields(log.Fields{"conn_id": c.id, "error": err.Error()}).Debug("server: frame write failed, dropping")
	}
}

// dispatch routes one inbound text frame. Frames are processed in arrival
// order for this connection; validation failures surface as error frames and
// never tear the connection down.
func (c *connection) dispatch(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.send(protocol.NewError(err.Error(), ""))
		return
	}
	switch {
	case msg.Prompt != nil:
		c.handlePrompt(msg.Prompt)
	case msg.Cancel != nil:
		c.handleCancel(msg.Cancel)
	}
}

func (c *connection) handlePrompt(p *protocol.Prompt) {
	c.mu.Lock()
	if _, exists := c.requests[p.RequestID]; exists {
		c.mu.Unlock()
		c.send(protocol.NewError("Request "+p.RequestID+" is already in progress", p.RequestID))
		return
	}
	rn := c.runnerLocked(p.Provider)
	// Registered before Run so that callbacks firing synchronously observe
	// the id.
	c.requests[p.RequestID] = &activeRequest{runner: rn}
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"conn_id":    c.id,
		"request_id": p.RequestID,
		"provider":   string(p.Provider),
		"project_id": p.ProjectID,
		"images":     len(p.Images),
	}).Info("server: prompt accepted")

	opts := runner.Options{
		Prompt:         p.Prompt,
		RequestID:      p.RequestID,
		Model:          p.Model,
		SystemPrompt:   p.SystemPrompt,
		ProjectID:      p.ProjectID,
		ThinkingTokens: p.ThinkingTokens,
		Images:         p.Images,
	}
	rn.Run(opts, runner.Handlers{
		OnChunk: func(content, requestID string, thinking bool) {
			c.send(protocol.NewChunk(content, requestID, thinking))
		},
		OnComplete: func(requestID string) {
			c.removeRequest(requestID)
			c.send(protocol.NewComplete(requestID))
		},
		OnError: func(message, requestID string) {
			c.removeRequest(requestID)
			c.send(protocol.NewError(message, requestID))
		},
	})
}

func (c *connection) handleCancel(cl *protocol.Cancel) {
	c.mu.Lock()
	req, ok := c.requests[cl.RequestID]
	if !ok {
		c.mu.Unlock()
		c.send(protocol.NewError("No active request with id: "+cl.RequestID, cl.RequestID))
		return
	}
	delete(c.requests, cl.RequestID)
	c.mu.Unlock()

	// Kill suppresses the runner's own terminal event; this error frame is
	// the single terminal event for the request.
	req.runner.Kill()
	c.send(protocol.NewError("Request cancelled", cl.RequestID))
	log.WithFields(log.Fields{"conn_id": c.id, "request_id": cl.RequestID}).Info("server: request cancelled")
}

// runnerLocked returns the cached runner for the provider, constructing it on
// first use. Runners are reused for the lifetime of the connection; requests
// to the same provider serialize on its single execution slot.
func (c *connection) runnerLocked(provider protocol.Provider) runner.Runner {
	if rn, ok := c.runners[provider]; ok {
		return rn
	}
	rn := c.srv.newRunner(provider)
	c.runners[provider] = rn
	return rn
}

func (c *connection) removeRequest(requestID string) {
	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
}

// disposeAll tears down every cached runner and every active-request runner
// exactly once. Called on connection teardown and server shutdown.
func (c *connection) disposeAll() {
	c.mu.Lock()
	seen := make(map[runner.Runner]bool)
	var runners []runner.Runner
	for _, rn := range c.runners {
		if !seen[rn] {
			seen[rn] = true
			runners = append(runners, rn)
		}
	}
	for _, req := range c.requests {
		if !seen[req.runner] {
			seen[req.runner] = true
			runners = append(runners, req.runner)
		}
	}
	c.runners = make(map[protocol.Provider]runner.Runner)
	c.requests = make(map[string]*activeRequest)
	c.mu.Unlock()

	for _, rn := range runners {
		rn.Dispose()
	}
}

// terminate closes the socket and disposes all owned resources. Safe to call
// more than once.
func (c *connection) terminate() {
	if c.closed.Swap(true) {
		return
	}
	c.disposeAll()
	_ = c.ws.Close()
}
