package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/devbox/pkg/devenv"
)

// writeWait bounds a single websocket write. A client that stops reading
// back-pressures the output stream until then.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message types sent to terminal clients.
const (
	msgOutput = "output"
	msgExit   = "exit"
	msgReady  = "ready"
	msgError  = "error"
)

type message struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	URL      string `json:"url,omitempty"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// execRequest is the first client message on /api/exec.
type execRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// terminal is a websocket used as a terminal sink. Writes are serialized and
// synchronous.
type terminal struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (t *terminal) send(m message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteJSON(m)
}

// Write implements io.Writer so the terminal can be handed to devenv.
func (t *terminal) Write(p []byte) (int, error) {
	if err := t.send(message{Type: msgOutput, Data: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *terminal) sendError(err error) {
	if serr := t.send(message{Type: msgError, Error: err.Error()}); serr != nil {
		slog.Debug("Failed to send error to terminal", "error", serr)
	}
}

func (t *terminal) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.ws.Close()
}

// readUntilClosed discards client messages and closes the returned channel
// once the client goes away.
func readUntilClosed(ws *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("WebSocket read ended", "error", err)
				}
				return
			}
		}
	}()
	return closed
}

func upgrade(w http.ResponseWriter, r *http.Request) (*terminal, bool) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return nil, false
	}
	return &terminal{ws: ws}, true
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	term, ok := upgrade(w, r)
	if !ok {
		return
	}
	defer term.close()
	closed := readUntilClosed(term.ws)

	x, err := s.env.InstallDependencies(r.Context(), term)
	if err != nil {
		term.sendError(err)
		return
	}
	s.streamExit(term, x, closed)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	term, ok := upgrade(w, r)
	if !ok {
		return
	}
	defer term.close()

	var req execRequest
	if err := term.ws.ReadJSON(&req); err != nil {
		slog.Warn("Failed to read exec request", "error", err)
		return
	}
	if req.Command == "" {
		term.sendError(errors.New("command is required"))
		return
	}
	closed := readUntilClosed(term.ws)

	x, err := s.env.ExecuteCommand(r.Context(), req.Command, req.Args, term)
	if err != nil {
		term.sendError(err)
		return
	}
	s.streamExit(term, x, closed)
}

// streamExit waits for x and reports its exit code. The command is killed if
// the client disconnects first.
func (s *Server) streamExit(term *terminal, x *devenv.Exit, closed <-chan struct{}) {
	ctx := context.Background()
	select {
	case <-x.Done():
	case <-closed:
		slog.Info("Terminal closed, killing command", "id", x.Process().ID())
		if err := x.Process().Kill(ctx); err != nil {
			slog.Warn("Failed to kill command", "id", x.Process().ID(), "error", err)
		}
		<-x.Done()
		return
	}
	code, err := x.Wait(ctx)
	if err != nil {
		term.sendError(err)
		return
	}
	term.send(message{Type: msgExit, ExitCode: &code})
}

func (s *Server) handleDev(w http.ResponseWriter, r *http.Request) {
	term, ok := upgrade(w, r)
	if !ok {
		return
	}
	defer term.close()
	closed := readUntilClosed(term.ws)

	// The start is tied to the socket: a client leaving before the URL is
	// announced cancels it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	srv, err := s.env.StartServer(ctx, term)
	if err != nil {
		term.sendError(err)
		return
	}
	launch := srv.Launch()

	res, err := launch.Wait(ctx)
	if err != nil {
		// A disconnect before ready resolves the launch as canceled; wait for
		// that so the server is gone before returning.
		<-launch.Done()
		_, err = launch.Wait(context.Background())
		term.sendError(err)
		return
	}
	term.send(message{Type: msgReady, URL: res.URL, ID: srv.ID})

	select {
	case <-closed:
		if err := s.env.StopServer(context.Background(), srv.ID); err != nil && !errors.Is(err, devenv.ErrServerNotFound) {
			slog.Warn("Failed to stop dev server", "id", srv.ID, "error", err)
		}
	case <-srv.Done():
		code, err := res.Process.Wait(context.Background())
		if err != nil {
			term.sendError(err)
			return
		}
		term.send(message{Type: msgExit, ExitCode: &code})
	}
}
