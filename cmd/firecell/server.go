// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/maruel/interrupt"
	"github.com/maruel/serve-dir/loghttp"
	"golang.org/x/net/websocket"

	"github.com/pyrolink/go-firecell/firecell"
	"github.com/pyrolink/go-firecell/master/api"
)

// server is the thin HTTP dispatcher over the firing core. It holds no
// state of its own.
type server struct {
	ctrl     *firecell.Controller
	hw       *firecell.Hardware
	notifier *notifier
	cfg      *firecell.Config
}

func startServer(ctrl *firecell.Controller, hw *firecell.Hardware, n *notifier, cfg *firecell.Config, port int) *server {
	s := &server{ctrl: ctrl, hw: hw, notifier: n, cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/program", s.program)
	mux.HandleFunc("/program/control", s.programControl)
	mux.HandleFunc("/fire", s.fire)
	mux.HandleFunc("/testloop", s.testloop)
	mux.HandleFunc("/lock", s.lock)
	mux.HandleFunc("/errors", s.errors)
	mux.HandleFunc("/errors/clear", s.errorsClear)
	mux.HandleFunc("/state", s.state)
	mux.HandleFunc("/master-registration", s.masterRegistration)
	mux.HandleFunc("/system-time", s.systemTime)
	mux.Handle("/stream", websocket.Handler(s.stream))
	go http.ListenAndServe(fmt.Sprintf(":%d", port), &loghttp.Handler{Handler: mux})
	return s
}

type programRequest struct {
	ProgramName string                   `json:"program_name"`
	Commands    []firecell.CommandRecord `json:"commands"`
}

func (s *server) program(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req programRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err)
			return
		}
		if err := s.ctrl.LoadProgram(req.Commands, req.ProgramName); err != nil {
			writeError(w, err)
			return
		}
	case http.MethodDelete:
		if err := s.ctrl.DeleteProgram(); err != nil {
			writeError(w, err)
			return
		}
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, struct{}{})
}

type controlRequest struct {
	Action string `json:"action"`
	Time   string `json:"time,omitempty"`
}

func (s *server) programControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	var err error
	switch req.Action {
	case "run":
		err = s.ctrl.RunProgram()
	case "pause":
		err = s.ctrl.PauseProgram()
	case "continue":
		err = s.ctrl.ContinueProgram()
	case "stop":
		err = s.ctrl.StopProgram()
	case "schedule":
		err = s.ctrl.ScheduleProgram(req.Time)
	case "unschedule":
		err = s.ctrl.UnscheduleProgram()
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *server) fire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctrl.Fire(req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *server) testloop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.Testloop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *server) lock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		locked, err := s.hw.IsLocked()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"locked": locked})
	case http.MethodPost:
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err)
			return
		}
		var err error
		switch req.Action {
		case "lock":
			err = s.hw.Lock()
		case "unlock":
			err = s.hw.Unlock()
		default:
			err = fmt.Errorf("unknown action %q", req.Action)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, struct{}{})
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) errors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	states, err := s.hw.Errors()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"error_states": states})
}

func (s *server) errorsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.hw.ClearErrorFlags(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (s *server) state(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.ctrl.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *server) masterRegistration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req api.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, err)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.notifier.register(host, req.Port, req.Secret)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, api.RegisterResponse{
			DeviceID: s.cfg.DeviceID,
			NumChips: len(s.cfg.Chips),
		})
	case http.MethodDelete:
		if err := s.notifier.deregister(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, struct{}{})
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) systemTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"system_time": time.Now().Format(time.RFC3339Nano)})
}

// stream pushes a snapshot per heartbeat period over a websocket until the
// client goes away or the process shuts down.
func (s *server) stream(ws *websocket.Conn) {
	log.Printf("websocket %s", ws.Config().Origin)
	defer ws.Close()
	enc := json.NewEncoder(ws)
	for !interrupt.IsSet() {
		snap, err := s.ctrl.Snapshot()
		if err == nil {
			err = enc.Encode(snap)
		}
		if err != nil {
			log.Printf("websocket %s closed: %s", ws.Config().Origin, err)
			return
		}
		select {
		case <-interrupt.Channel:
			return
		case <-time.After(s.cfg.Timings.HeartbeatPeriodD()):
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps core errors onto HTTP statuses: bad requests for address,
// ingest, timestamp and state precondition errors, conflict for the
// hardware interlock, internal for bus trouble and hung workers.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var (
		syntaxErr    *firecell.SyntaxError
		chipErr      *firecell.UnknownChipError
		fuseErr      *firecell.InvalidFuseError
		rangeErr     *firecell.InvalidRangeError
		tsErr        *firecell.InvalidTimestampError
		programErr   *firecell.InvalidProgramError
		scheduledErr *firecell.ProgramScheduledError
	)
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &chipErr),
		errors.As(err, &fuseErr), errors.As(err, &rangeErr):
		status, kind = http.StatusBadRequest, "address"
	case errors.As(err, &tsErr), errors.As(err, &programErr):
		status, kind = http.StatusBadRequest, "program"
	case errors.As(err, &scheduledErr),
		errors.Is(err, firecell.ErrNoProgramLoaded),
		errors.Is(err, firecell.ErrProgramLoaded),
		errors.Is(err, firecell.ErrProgramRunning),
		errors.Is(err, firecell.ErrProgramPaused),
		errors.Is(err, firecell.ErrNoProgramRunning),
		errors.Is(err, firecell.ErrNoProgramScheduled),
		errors.Is(err, firecell.ErrScheduleNotFuture),
		errors.Is(err, firecell.ErrProgramNotPaused):
		status, kind = http.StatusBadRequest, "state"
	case errors.Is(err, firecell.ErrHardwareLocked):
		status, kind = http.StatusConflict, "locked"
	case errors.Is(err, errMasterNotRegistered):
		status, kind = http.StatusBadRequest, "master"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err2 := json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: kind}); err2 != nil {
		log.Printf("http: writing error response: %s", err2)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: writing response: %s", err)
	}
}
