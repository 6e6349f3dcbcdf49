package monitor

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var errSubscriberDropped = errors.New("monitor subscriber dropped")

// Stream writes first and then every event from sub to conn until the peer
// goes away, a write fails or the hub drops the subscriber. Pings are sent
// every pingEvery so idle proxies keep the connection open.
func Stream(conn *websocket.Conn, sub *Subscriber, first Event, pingEvery time.Duration) error {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, first); err != nil {
		return err
	}

	var tick <-chan time.Time
	if pingEvery > 0 {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeWait))
				return errSubscriberDropped
			}
			if err := writeEvent(conn, evt); err != nil {
				return err
			}
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-closed:
			return nil
		}
	}
}

func writeEvent(conn *websocket.Conn, evt Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(evt)
}
