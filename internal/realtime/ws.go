package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticate resolves a client token to a user id.
type Authenticate func(ctx context.Context, token string) (string, error)

// Gateway upgrades clients to websocket and relays room events. Clients join
// and leave post rooms explicitly; everything a joined room publishes is
// streamed back over the socket.
type Gateway struct {
	hub  *Hub
	auth Authenticate
}

func NewGateway(hub *Hub, auth Authenticate) *Gateway {
	return &Gateway{hub: hub, auth: auth}
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsAck struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type roomRequest struct {
	PostID string `json:"postId"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	userID, err := g.auth(r.Context(), token)
	if err != nil || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Single writer goroutine; forwarders and acks funnel through out.
	out := make(chan any, subscriberBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range out {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	subs := make(map[string]*Subscription)
	var forwarders sync.WaitGroup

	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
		forwarders.Wait()
		close(out)
		<-writerDone
	}()

	send := func(msg any) {
		// Non-blocking: if the writer died on a broken socket, the read
		// loop will notice on its next ReadJSON.
		select {
		case out <- msg:
		case <-writerDone:
		}
	}

	send(wsAck{Type: "connected", Data: map[string]string{"userId": userID}})

	for {
		var envelope wsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}

		switch envelope.Type {
		case "join-post":
			var req roomRequest
			if err := json.Unmarshal(envelope.Data, &req); err != nil || req.PostID == "" {
				continue
			}
			if _, joined := subs[req.PostID]; joined {
				continue
			}
			sub := g.hub.Subscribe(req.PostID)
			subs[req.PostID] = sub
			forwarders.Add(1)
			go func() {
				defer forwarders.Done()
				for event := range sub.C {
					select {
					case out <- event:
					default:
						// Writer is stalled; the hub will drop us shortly.
					}
				}
			}()
			send(wsAck{Type: "joined-post", Data: map[string]string{"postId": req.PostID}})
		case "leave-post":
			var req roomRequest
			if err := json.Unmarshal(envelope.Data, &req); err != nil || req.PostID == "" {
				continue
			}
			if sub, joined := subs[req.PostID]; joined {
				sub.Close()
				delete(subs, req.PostID)
			}
		default:
			log.Printf("realtime: unknown client message type %q", envelope.Type)
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
