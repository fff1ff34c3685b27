package main

import (
	"bytes"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	server := flag.String("server", "localhost:8080", "ledger service host:port")
	address := flag.String("address", "", "wallet address to watch")
	flag.Parse()

	if *address == "" {
		log.Fatal("address is required")
	}

	u := url.URL{Scheme: "ws", Host: *server, Path: "/api/v1/ws/" + *address}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, p, err := conn.ReadMessage()
			if err != nil {
				log.Println("read error:", err)
				return
			}

			var m Message
			if err := json.Unmarshal(p, &m); err != nil {
				log.Println("json unmarshal error:", err)
				continue
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, m.Payload, "", "  "); err != nil {
				pretty.Write(m.Payload)
			}
			log.Printf("Received %s:\n%s\n", m.Type, pretty.String())
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
	case <-interrupt:
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
