package peerhub

import (
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocketHandler returns an http.Handler that upgrades each request to a
// WebSocket connection, registers a Peer with hub, and pumps frames in both
// directions until the socket closes. Mount it at /transport/ws.
func WebSocketHandler(hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Upgrades are accepted from any Origin; no origin check is
			// made.
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		peer := hub.Register()
		ctx := r.Context()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case frame, ok := <-peer.Outbox():
					if !ok {
						return
					}
					if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
						hub.Close(peer, false)
						return
					}
				case <-peer.Done():
					return
				}
			}
		}()

		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				hub.Close(peer, websocket.CloseStatus(err) == websocket.StatusNormalClosure)
				break
			}
			hub.Deliver(peer, frame)
		}
		<-writerDone
		conn.Close(websocket.StatusNormalClosure, "")
	})
}
