package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/taralli-labs/taralli-node/subscription"
	"github.com/taralli-labs/taralli-node/systems"
	"go.vocdoni.io/dvote/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var errNoSystems = errors.New("no systems to subscribe to")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func parseSystems(s string) ([]systems.ID, error) {
	var ids []systems.ID
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		id, err := systems.ParseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// subscribe streams the intents of the requested systems over a websocket
// until the client disconnects
func (a *API) subscribe(c *gin.Context) {
	ids, err := parseSystems(c.Query("systems"))
	if err != nil {
		returnErr(c, err)
		return
	}
	if len(ids) == 0 {
		returnErr(c, errNoSystems)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	sub := a.subs.Subscribe(ids, subscription.DefaultBuffer)
	defer a.subs.Unsubscribe(sub.ID)

	// the reader only detects the disconnection of the client
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case in, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(IntentMessage{Kind: in.Kind(), Intent: in}); err != nil {
				log.Warnw("websocket write failed", "subscription", sub.ID, "err", err)
				return
			}
		case <-ping.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				return
			}
		case <-closed:
			return
		case <-a.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
