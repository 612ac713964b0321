// Package comfytest provides a scripted generation backend for tests.
//
// Every submitted workflow is "executed" by walking its nodes that carry a
// filename_prefix input in sorted id order: each node gets an executing
// message, two progress frames and one output image named
// {prefix}_00001_.png, then the prompt finishes with executing{node:null}.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ktstudio/ktstudio/internal/infra/comfy"
)

// PNG is a tiny valid PNG served for every generated image.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// Submission is one workflow received on /prompt.
type Submission struct {
	Seq      int
	PromptID string
	ClientID string
	Workflow comfy.Workflow
}

// Server is a fake backend.
type Server struct {
	*httptest.Server

	// FailOn makes the n-th submission (1-based) end with execution_error.
	FailOn func(n int, wf comfy.Workflow) bool
	// HangOn makes a submission block until interrupted.
	HangOn func(n int, wf comfy.Workflow) bool
	// SkipOutput suppresses the artifact of a node (prefix match on node id).
	SkipOutput func(node string) bool
	// StepDelay is the pause between messages.
	StepDelay time.Duration

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*wsConn
	connSeq     int
	submissions []Submission
	files       map[string][]byte
	history     map[string]comfy.History
	uploads     []string
	interrupts  int
	clears      int
	interrupt   chan struct{}
	dropNext    int
}

type wsConn struct {
	seq int
	mu  sync.Mutex
	c   *websocket.Conn
}

func (w *wsConn) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(v)
}

// NewServer starts a fake backend. It is closed on Close.
func NewServer() *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:     make(map[string]*wsConn),
		files:     make(map[string][]byte),
		history:   make(map[string]comfy.History),
		interrupt: make(chan struct{}, 1),
		StepDelay: 5 * time.Millisecond,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/interrupt", s.handleInterrupt)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"system": map[string]any{"os": "fake"}})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// Config returns client settings pointing at the server with short timings.
func (s *Server) Config() comfy.Config {
	cfg := comfy.DefaultConfig()
	cfg.BaseURL = s.URL
	cfg.HTTPRetries = 0
	cfg.StreamRetryWait = 20 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond
	return cfg
}

// Submissions returns the workflows received so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Uploads returns the uploaded file names.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Interrupts returns how many times /interrupt was called.
func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Clears returns how many queue clears were received.
func (s *Server) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// DropConnections makes the next n stream messages close the connection
// instead of being delivered.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   comfy.Workflow `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sub := Submission{
		Seq:      len(s.submissions) + 1,
		PromptID: uuid.NewString(),
		ClientID: body.ClientID,
		Workflow: body.Prompt,
	}
	s.submissions = append(s.submissions, sub)
	minSeq := s.connSeq
	s.mu.Unlock()

	go s.run(sub, minSeq)
	writeJSON(w, map[string]any{"prompt_id": sub.PromptID, "number": sub.Seq, "node_errors": map[string]any{}})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := r.URL.Query().Get("clientId")
	s.mu.Lock()
	s.connSeq++
	conn := &wsConn{seq: s.connSeq, c: c}
	s.conns[id] = conn
	s.mu.Unlock()

	// Drain until the client goes away.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			s.mu.Lock()
			if s.conns[id] == conn {
				delete(s.conns, id)
			}
			s.mu.Unlock()
			c.Close()
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	s.mu.Lock()
	h, ok := s.history[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, map[string]any{id: h})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	s.mu.Lock()
	data, ok := s.files[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	s.mu.Lock()
	s.files[hdr.Filename] = data
	s.uploads = append(s.uploads, hdr.Filename)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"name": hdr.Filename, "subfolder": "", "type": "input"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.mu.Lock()
		s.clears++
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, map[string]any{"queue_running": []any{}, "queue_pending": []any{}})
}

// ─── Execution ──────────────────────────────────────────────────────────────

// waitConn blocks until the client has a stream connection opened after the
// submission, falling back to an older one after a few seconds.
func (s *Server) waitConn(clientID string, minSeq int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		c := s.conns[clientID]
		s.mu.Unlock()
		if c != nil && (c.seq > minSeq || time.Now().After(deadline)) {
			return true
		}
		if time.Now().After(deadline.Add(5 * time.Second)) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// emit sends a message on the client's current connection. Messages sent
// while the client is disconnected are lost, as on a real backend.
func (s *Server) emit(clientID, typ string, data map[string]any) {
	s.mu.Lock()
	conn := s.conns[clientID]
	drop := conn != nil && s.dropNext > 0
	if drop {
		s.dropNext--
		delete(s.conns, clientID)
	}
	s.mu.Unlock()
	switch {
	case drop:
		conn.c.Close()
	case conn != nil:
		conn.send(map[string]any{"type": typ, "data": data})
	}
	time.Sleep(s.StepDelay)
}

func (s *Server) run(sub Submission, minSeq int) {
	if !s.waitConn(sub.ClientID, minSeq) {
		return
	}
	cid, pid := sub.ClientID, sub.PromptID

	if s.HangOn != nil && s.HangOn(sub.Seq, sub.Workflow) {
		s.emit(cid, "executing", map[string]any{"node": "1", "prompt_id": pid})
		select {
		case <-s.interrupt:
			s.emit(cid, "execution_interrupted", map[string]any{"prompt_id": pid, "node_id": "1"})
		case <-time.After(30 * time.Second):
		}
		return
	}

	outputs := map[string]comfy.NodeOutput{}
	for _, node := range sub.Workflow.NodeIDs() {
		prefix, ok := sub.Workflow.Input(node, "filename_prefix")
		if !ok {
			continue
		}
		s.emit(cid, "executing", map[string]any{"node": node, "prompt_id": pid})
		if s.FailOn != nil && s.FailOn(sub.Seq, sub.Workflow) {
			s.mu.Lock()
			h := comfy.History{Outputs: map[string]comfy.NodeOutput{}}
			h.Status.StatusStr = "error"
			s.history[pid] = h
			s.mu.Unlock()
			s.emit(cid, "execution_error", map[string]any{
				"prompt_id": pid, "node_id": node,
				"exception_type": "RuntimeError", "exception_message": "CUDA out of memory",
			})
			return
		}
		s.emit(cid, "progress", map[string]any{"value": 1, "max": 2, "prompt_id": pid, "node": node})
		s.emit(cid, "progress", map[string]any{"value": 2, "max": 2, "prompt_id": pid, "node": node})
		if s.SkipOutput != nil && s.SkipOutput(node) {
			continue
		}
		name := fmt.Sprintf("%v_00001_.png", prefix)
		s.mu.Lock()
		s.files[name] = PNG
		s.mu.Unlock()
		outputs[node] = comfy.NodeOutput{Images: []comfy.ArtifactRef{{Filename: name, Type: "output"}}}
	}

	s.mu.Lock()
	h := comfy.History{Outputs: outputs}
	h.Status.Completed = true
	h.Status.StatusStr = "success"
	s.history[pid] = h
	s.mu.Unlock()
	s.emit(cid, "executing", map[string]any{"node": nil, "prompt_id": pid})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
