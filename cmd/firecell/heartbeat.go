// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/maruel/interrupt"

	"github.com/pyrolink/go-firecell/firecell"
	"github.com/pyrolink/go-firecell/master/api"
)

var errMasterNotRegistered = errors.New("no master registered")

// notifier streams heartbeats and one-shot events to the registered master.
// It is the controller's observer; events raised while no master is
// registered are only logged.
type notifier struct {
	cfg    *firecell.Config
	client *http.Client

	mu      sync.Mutex
	ctrl    *firecell.Controller
	baseURL string // "" while unregistered
	secret  []byte
	stop    chan struct{}
}

func newNotifier(cfg *firecell.Config) *notifier {
	return &notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeouts.NotificationD()},
	}
}

// setController closes the construction cycle: the controller needs the
// observer, the heartbeat needs the controller's snapshots.
func (n *notifier) setController(ctrl *firecell.Controller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ctrl = ctrl
}

func (n *notifier) register(host string, port int, secret []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.baseURL = fmt.Sprintf("http://%s:%d/master", host, port)
	n.secret = secret
	if n.stop == nil {
		n.stop = make(chan struct{})
		go n.heartbeatLoop(n.stop)
	}
	log.Printf("master registered: %s", n.baseURL)
}

func (n *notifier) deregister() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.baseURL == "" {
		return errMasterNotRegistered
	}
	n.baseURL = ""
	n.secret = nil
	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	log.Printf("master deregistered")
	return nil
}

func (n *notifier) target() (string, []byte, *firecell.Controller) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.baseURL, n.secret, n.ctrl
}

func (n *notifier) heartbeatLoop(stop chan struct{}) {
	for {
		base, secret, ctrl := n.target()
		if base == "" {
			return
		}
		if err := n.sendHeartbeat(base, secret, ctrl); err != nil {
			log.Printf("heartbeat: %s", err)
		}
		select {
		case <-stop:
			return
		case <-interrupt.Channel:
			return
		case <-time.After(n.cfg.Timings.HeartbeatPeriodD()):
		}
	}
}

func (n *notifier) sendHeartbeat(base string, secret []byte, ctrl *firecell.Controller) error {
	snap, err := ctrl.Snapshot()
	if err != nil {
		return err
	}
	fuseStates := make(map[string][]string, len(snap.FuseStates))
	for letter, slots := range snap.FuseStates {
		labels := make([]string, len(slots))
		for i, s := range slots {
			labels[i] = string(s)
		}
		fuseStates[letter] = labels
	}
	hb := api.Heartbeat{
		DeviceID:      snap.DeviceID,
		Secret:        secret,
		SystemTime:    snap.SystemTime,
		Locked:        snap.Locked,
		ProgramState:  snap.ProgramState.String(),
		ScheduledTime: snap.ScheduledTime,
		ProgramName:   snap.ProgramName,
		FuseStates:    fuseStates,
		ErrorStates:   snap.ErrorStates,
	}
	return n.post(base+"/heartbeat", &hb)
}

func (n *notifier) post(url string, v interface{}) error {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(v); err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return nil
}

// event posts a one-shot notification when a master is registered.
func (n *notifier) event(kind, program, address string) {
	base, _, _ := n.target()
	if base == "" {
		log.Printf("event %s program=%q address=%q (no master)", kind, program, address)
		return
	}
	ev := api.Event{
		DeviceID: n.cfg.DeviceID,
		Kind:     kind,
		Program:  program,
		Address:  address,
		At:       time.Now(),
	}
	go func() {
		if err := n.post(base+"/notification", &ev); err != nil {
			log.Printf("event %s: %s", kind, err)
		}
	}()
}

// ProgramFinished implements firecell.Observer.
func (n *notifier) ProgramFinished(name string) {
	n.event(api.EventProgramFinished, name, "")
}

// Fired implements firecell.Observer.
func (n *notifier) Fired(addr firecell.Address) {
	n.event(api.EventFired, "", addr.String())
}

// ScheduledRunStarted implements firecell.Observer.
func (n *notifier) ScheduledRunStarted(at time.Time) {
	n.event(api.EventScheduledRunStarted, "", "")
}
