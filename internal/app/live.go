package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"devcommandhub/api/internal/catalog"
	"devcommandhub/api/internal/engagement"
	"devcommandhub/api/internal/logging"
	"devcommandhub/api/internal/metrics"
	"devcommandhub/api/internal/store"
)

const (
	liveWriteWait    = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingPeriod   = (livePongWait * 9) / 10
	liveReloadPeriod = 2 * time.Second
	liveMaxMessage   = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveMessage is a client instruction on the live channel.
type liveMessage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Page  int    `json:"page"`
	ID    string `json:"id"`
}

type sliceFrame struct {
	Type       string        `json:"type"`
	Category   string        `json:"category"`
	Query      string        `json:"query"`
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
	Total      int           `json:"total"`
	Items      []CommandView `json:"items"`
}

type engagementFrame struct {
	Type    string         `json:"type"`
	Command EngagementView `json:"command"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// meteredWriter counts engagement writes as they reach the store.
type meteredWriter struct {
	engagement.Writer
}

func (m meteredWriter) ArrayAdd(ctx context.Context, id, field, value string) error {
	err := m.Writer.ArrayAdd(ctx, id, field, value)
	metrics.RecordEngagement("like", err)
	return err
}

func (m meteredWriter) ArrayRemove(ctx context.Context, id, field, value string) error {
	err := m.Writer.ArrayRemove(ctx, id, field, value)
	metrics.RecordEngagement("unlike", err)
	return err
}

func (m meteredWriter) IncrementField(ctx context.Context, id, field string, delta int) error {
	err := m.Writer.IncrementField(ctx, id, field, delta)
	metrics.RecordEngagement("copy", err)
	return err
}

// liveSession is one browser tab's catalog view. Likes and copies apply
// optimistically and a failed like is reverted and pushed back to the client.
type liveSession struct {
	service *Service
	session Session
	conn    *websocket.Conn
	logger  *zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    catalog.State
	commands []store.Command
	cards    map[string]*engagement.Card
	version  int64
}

func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("live upgrade failed")
		return
	}

	live := s.service.newLiveSession(r.Context(), sessionFrom(r), conn)
	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()

	live.run(r.Context())
}

func (s *Service) newLiveSession(ctx context.Context, session Session, conn *websocket.Conn) *liveSession {
	live := &liveSession{
		service: s,
		session: session,
		conn:    conn,
		logger:  s.log(ctx),
		state:   catalog.NewState(s.pageSize()),
		cards:   make(map[string]*engagement.Card),
	}
	live.reload(ctx)
	return live
}

func (l *liveSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.mu.Lock()
		cards := make([]*engagement.Card, 0, len(l.cards))
		for _, card := range l.cards {
			cards = append(cards, card)
		}
		l.mu.Unlock()
		for _, card := range cards {
			card.Wait()
		}
		l.conn.Close()
	}()

	go l.pump(ctx)
	l.pushSlice()

	l.conn.SetReadLimit(liveMaxMessage)
	_ = l.conn.SetReadDeadline(time.Now().Add(livePongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn().Err(err).Msg("live session closed unexpectedly")
			}
			return
		}
		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.pushError("INVALID_BODY", "invalid JSON message")
			continue
		}
		l.handle(ctx, msg)
	}
}

// pump pings the client and reloads the catalog when another writer changed it.
func (l *liveSession) pump(ctx context.Context) {
	ping := time.NewTicker(livePingPeriod)
	reload := time.NewTicker(liveReloadPeriod)
	defer ping.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-reload.C:
			l.mu.Lock()
			stale := l.version != l.service.CatalogVersion()
			l.mu.Unlock()
			if stale {
				l.reload(ctx)
				l.pushSlice()
			}
		}
	}
}

func (l *liveSession) handle(ctx context.Context, msg liveMessage) {
	switch msg.Type {
	case "tab":
		category := store.Category(msg.Value)
		if !category.Valid() {
			l.pushError("VALIDATION_ERROR", "category must be one of git, vscode, cmd")
			return
		}
		l.mu.Lock()
		l.state.SetCategory(category)
		l.mu.Unlock()
		l.pushSlice()
	case "query":
		l.mu.Lock()
		l.state.SetQuery(msg.Value)
		l.mu.Unlock()
		l.pushSlice()
	case "transcript":
		l.mu.Lock()
		l.state.ApplyTranscript(msg.Value)
		l.mu.Unlock()
		l.pushSlice()
	case "page":
		l.mu.Lock()
		l.state.SetPage(msg.Page)
		l.mu.Unlock()
		l.pushSlice()
	case "like", "copy":
		l.engage(ctx, msg.Type, msg.ID)
	default:
		l.pushError("UNKNOWN_MESSAGE", "unknown message type")
	}
}

func (l *liveSession) engage(ctx context.Context, action, id string) {
	l.mu.Lock()
	card, ok := l.cards[id]
	l.mu.Unlock()
	if !ok {
		l.pushError("NOT_FOUND", "Command not found")
		return
	}

	var (
		state engagement.State
		err   error
	)
	if action == "like" {
		state, err = card.ToggleLike(ctx, l.session.UserID)
	} else {
		state, err = card.RecordCopy(ctx, l.session.UserID)
	}
	if errors.Is(err, engagement.ErrIdentityRequired) {
		l.pushError("AUTH_REQUIRED", "Please sign in to "+action+" commands")
		return
	}
	l.pushEngagement(state)
}

// reload refreshes the visible catalog. Idle cards adopt the stored counts so
// engagement from other sessions shows up; cards with a write in flight keep
// their optimistic state. New records get fresh cards.
func (l *liveSession) reload(ctx context.Context) {
	version := l.service.CatalogVersion()
	commands := l.service.visibleCommands(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = version
	l.commands = commands
	seen := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		seen[c.ID] = struct{}{}
		if card, ok := l.cards[c.ID]; ok {
			card.Refresh(c)
			continue
		}
		l.cards[c.ID] = engagement.NewCard(c, meteredWriter{l.service.store},
			engagement.WithOnChange(l.pushEngagement),
			engagement.WithOnError(func(op string, err error) {
				l.logger.Error().Err(err).Str("command_id", c.ID).Str("op", op).Msg("engagement write failed")
			}),
		)
	}
	for id := range l.cards {
		if _, ok := seen[id]; !ok {
			delete(l.cards, id)
		}
	}
}

func (l *liveSession) pushSlice() {
	l.mu.Lock()
	items, totalPages, total := l.state.Slice(l.commands)
	views := make([]CommandView, 0, len(items))
	for _, c := range items {
		if card, ok := l.cards[c.ID]; ok {
			state := card.State()
			c.LikedBy = state.LikedBy
			c.CopyCount = state.CopyCount
		}
		views = append(views, viewOf(c, l.session.UserID))
	}
	frame := sliceFrame{
		Type:       "slice",
		Category:   string(l.state.Category),
		Query:      l.state.Query,
		Page:       l.state.Page,
		TotalPages: totalPages,
		Total:      total,
		Items:      views,
	}
	l.mu.Unlock()
	l.send("slice", frame)
}

func (l *liveSession) pushEngagement(state engagement.State) {
	l.send("engagement", engagementFrame{Type: "engagement", Command: EngagementView{
		ID:        state.CommandID,
		LikeCount: state.LikeCount(),
		Liked:     state.Liked(l.session.UserID),
		CopyCount: state.CopyCount,
	}})
}

func (l *liveSession) pushError(code, message string) {
	l.send("error", errorFrame{Type: "error", Code: code, Error: message})
}

func (l *liveSession) send(kind string, frame any) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := l.conn.WriteJSON(frame); err != nil {
		l.logger.Debug().Err(err).Str("frame", kind).Msg("live write failed")
	}
}
