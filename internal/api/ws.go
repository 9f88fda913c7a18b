package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

// WebsocketEvent 是推送给客户端的消息。
type WebsocketEvent struct {
	Event string      `json:"event"` // book / trade
	Data  interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWS 推送盘口快照与成交；?symbol= 过滤交易对。
// 客户端消费过慢时由 Publisher 丢弃事件。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	// 握手前订阅，客户端连上后不会错过事件
	filter := r.URL.Query().Get("symbol")
	pub := s.deps.Market.Publisher()
	books, cancelBooks := pub.SubscribeBook(wsBuffer)
	defer cancelBooks()
	trades, cancelTrades := pub.SubscribeTrade(wsBuffer)
	defer cancelTrades()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.deps.Logger.Info("websocket client connected", zap.String("remote", r.RemoteAddr), zap.String("symbol", filter))

	// 读循环只负责处理 pong 与关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	send := func(evt WebsocketEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			s.deps.Logger.Debug("websocket write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-closed:
			s.deps.Logger.Info("websocket client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-books:
			if !ok {
				return
			}
			if filter != "" && snap.Symbol != filter {
				continue
			}
			if !send(WebsocketEvent{Event: "book", Data: snap}) {
				return
			}
		case t, ok := <-trades:
			if !ok {
				return
			}
			if filter != "" && t.Symbol != filter {
				continue
			}
			if !send(WebsocketEvent{Event: "trade", Data: t}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
