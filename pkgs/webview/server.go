// Package webview pushes scrollkeeper snapshots to browsers over a
// WebSocket, for the HTML layout view.
package webview

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/keskad/loconet/pkgs/scrollkeeper"
)

const defaultInterval = 500 * time.Millisecond

type Server struct {
	sk       *scrollkeeper.Scrollkeeper
	interval time.Duration
	upgrader websocket.Upgrader
}

func New(sk *scrollkeeper.Scrollkeeper, interval time.Duration) *Server {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Server{
		sk:       sk,
		interval: interval,
		upgrader: websocket.Upgrader{
			// the monitor serves a local layout view, not the internet
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the snapshot socket on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// ListenAndServe blocks serving the snapshot socket on addr.
func (s *Server) ListenAndServe(addr string) error {
	logrus.Infof("webview listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// serveWS streams one snapshot immediately and then one per interval until
// the browser goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("webview upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	logrus.Debugf("webview client connected: %s", r.RemoteAddr)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		data, err := s.sk.JSONSnapshot()
		if err != nil {
			logrus.Errorf("webview snapshot failed: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.Debugf("webview client gone: %v", err)
			return
		}
		<-ticker.C
	}
}
