// Package api is the gin surface over the gateway: REST for session
// operations, a websocket bridge into the per-session event stream, and the
// prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/yvesdamsh/damcash2/internal/gateway"
	"github.com/yvesdamsh/damcash2/internal/msgcat"
	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
	"github.com/yvesdamsh/damcash2/internal/store"
	"github.com/yvesdamsh/damcash2/pkg/gamedto"
)

// Server binds the gateway to HTTP.
type Server struct {
	svc *gateway.Service
	rdb *redis.Client
	cat *msgcat.Catalog
	eng *gin.Engine
	now func() time.Time
}

func NewServer(svc *gateway.Service, rdb *redis.Client, cat *msgcat.Catalog) *Server {
	s := &Server{svc: svc, rdb: rdb, cat: cat, now: time.Now}
	eng := gin.New()
	eng.Use(gin.Recovery())

	eng.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	eng.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := eng.Group("/api")
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/join", s.join)
	api.POST("/sessions/:id/moves", s.submitMove)
	api.POST("/sessions/:id/draw/offer", s.action((*gateway.Service).OfferDraw, "offer.draw_offered"))
	api.POST("/sessions/:id/draw/accept", s.action((*gateway.Service).AcceptDraw, "offer.draw_accepted"))
	api.POST("/sessions/:id/draw/decline", s.action((*gateway.Service).DeclineDraw, "offer.draw_declined"))
	api.POST("/sessions/:id/takeback/request", s.action((*gateway.Service).RequestTakeback, "offer.takeback_requested"))
	api.POST("/sessions/:id/takeback/accept", s.action((*gateway.Service).AcceptTakeback, "offer.takeback_accepted"))
	api.POST("/sessions/:id/takeback/decline", s.action((*gateway.Service).DeclineTakeback, "offer.takeback_declined"))
	api.POST("/sessions/:id/resign", s.action((*gateway.Service).Resign, ""))
	api.POST("/sessions/:id/rematch", s.action((*gateway.Service).Rematch, "session.rematch"))
	api.GET("/sessions/:id/clock", s.clock)
	api.POST("/sessions/:id/clock/expire", s.expire)

	eng.GET("/ws/:id", s.websocketBridge)

	s.eng = eng
	return s
}

// Handler exposes the router for http.Server wiring and tests.
func (s *Server) Handler() http.Handler { return s.eng }

type sessionResponse struct {
	gamedto.SessionView
	Message string `json:"message,omitempty"`
}

// view projects a session for the wire and attaches the reader-facing status
// line from the catalog: the ending line for finished games, the waiting
// prompt for open seats.
func (s *Server) view(sess *session.Session) sessionResponse {
	resp := sessionResponse{SessionView: gamedto.FromSession(sess, s.now())}
	if s.cat == nil {
		return resp
	}
	switch sess.Status {
	case session.StatusFinished:
		if sess.TerminalReason != "" {
			winner, loser := outcomeNames(sess)
			resp.Message = s.cat.RenderOr("terminal."+sess.TerminalReason,
				map[string]string{"Winner": winner, "Loser": loser}, "")
		}
	case session.StatusWaiting:
		resp.Message = s.cat.RenderOr("session.waiting", nil, "")
	}
	return resp
}

// outcomeNames resolves display names for the decided side and its opponent.
// Drawn games leave both empty; the draw templates carry no placeholders.
func outcomeNames(sess *session.Session) (winner, loser string) {
	if sess.WinnerID == "" {
		return "", ""
	}
	name := func(p *session.PlayerRef) string {
		if p == nil {
			return ""
		}
		if p.Name != "" {
			return p.Name
		}
		return p.ID
	}
	w, b := sess.Seats.White, sess.Seats.Black
	if w != nil && w.ID == sess.WinnerID {
		return name(w), name(b)
	}
	return name(b), name(w)
}

func (s *Server) createSession(c *gin.Context) {
	var req gamedto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rs := rules.Ruleset(req.Ruleset)
	if _, err := rules.ForRuleset(rs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown ruleset"})
		return
	}
	sess, err := s.svc.CreateSession(c.Request.Context(), gateway.CreateParams{
		Ruleset:   rs,
		Creator:   session.PlayerRef{ID: req.PlayerID, Name: req.PlayerName},
		Preferred: rules.Color(req.Color),
		VersusAI:  req.VersusAI,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(sess))
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(sess))
}

func (s *Server) join(c *gin.Context) {
	var req gamedto.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	sess, seat, err := s.svc.Join(c.Request.Context(), c.Param("id"),
		session.PlayerRef{ID: req.PlayerID, Name: req.PlayerName}, rules.Color(req.Color))
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{"seat": string(seat), "session": s.view(sess)}
	if s.cat != nil {
		name := req.PlayerName
		if name == "" {
			name = req.PlayerID
		}
		if msg := s.cat.RenderOr("session.joined",
			map[string]string{"Name": name, "Color": string(seat)}, ""); msg != "" {
			body["message"] = msg
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) submitMove(c *gin.Context) {
	var req gamedto.MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	from, err := rules.ParseCoord(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from square"})
		return
	}
	to, err := rules.ParseCoord(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to square"})
		return
	}
	sess, mv, err := s.svc.SubmitMove(c.Request.Context(), c.Param("id"), req.PlayerID,
		rules.MoveRequest{From: from, To: to, Promotion: req.Promotion})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notation": mv.Notation,
		"session":  s.view(sess),
	})
}

// action adapts the player-id-only gateway operations into one handler shape.
// msgKey, when set and the session is not over, names the catalog line for a
// successful call; terminal lines from view win.
func (s *Server) action(fn func(*gateway.Service, context.Context, string, string) (*session.Session, error), msgKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req gamedto.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		sess, err := fn(s.svc, c.Request.Context(), c.Param("id"), req.PlayerID)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp := s.view(sess)
		if resp.Message == "" && msgKey != "" && s.cat != nil {
			resp.Message = s.cat.RenderOr(msgKey,
				map[string]string{"Name": playerName(sess, req.PlayerID)}, "")
		}
		c.JSON(http.StatusOK, resp)
	}
}

func playerName(sess *session.Session, id string) string {
	for _, p := range []*session.PlayerRef{sess.Seats.White, sess.Seats.Black} {
		if p != nil && p.ID == id {
			if p.Name != "" {
				return p.Name
			}
			return p.ID
		}
	}
	return id
}

func (s *Server) clock(c *gin.Context) {
	white, black, err := s.svc.TimeLeft(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"white_left": white, "black_left": black})
}

func (s *Server) expire(c *gin.Context) {
	var req gamedto.ExpireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	color := rules.Color(req.Color)
	if !color.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid color"})
		return
	}
	sess, expired, err := s.svc.CheckTimeout(c.Request.Context(), c.Param("id"), color)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired, "session": s.view(sess)})
}

// fail maps a domain error to a status code plus, where the catalog knows
// the situation, a reader-facing message.
func (s *Server) fail(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if s.cat != nil {
		if key := messageKey(err); key != "" {
			if msg := s.cat.RenderOr(key, nil, ""); msg != "" {
				body["message"] = msg
			}
		}
	}
	c.JSON(httpStatus(err), body)
}

func messageKey(err error) string {
	switch {
	case errors.Is(err, rules.ErrIllegalMove):
		return "reject.illegal_move"
	case errors.Is(err, rules.ErrPromotionRequired):
		return "reject.promotion_required"
	case errors.Is(err, session.ErrNotYourTurn):
		return "reject.not_your_turn"
	case errors.Is(err, session.ErrNotParticipant):
		return "reject.not_participant"
	case errors.Is(err, session.ErrSeatConflict):
		return "reject.seat_taken"
	case errors.Is(err, session.ErrFinished):
		return "reject.finished"
	case errors.Is(err, session.ErrNotPlaying):
		return "reject.not_playing"
	case errors.Is(err, session.ErrClockExpired):
		return "reject.timeout"
	case errors.Is(err, session.ErrOfferPending):
		return "offer.pending"
	default:
		return ""
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, session.ErrSeatConflict),
		errors.Is(err, session.ErrOfferPending),
		errors.Is(err, session.ErrSettlementRepeat):
		return http.StatusConflict
	case errors.Is(err, rules.ErrIllegalMove),
		errors.Is(err, rules.ErrPromotionRequired),
		errors.Is(err, session.ErrNotYourTurn),
		errors.Is(err, session.ErrNotPlaying),
		errors.Is(err, session.ErrNotWaiting),
		errors.Is(err, session.ErrFinished),
		errors.Is(err, session.ErrNotFinished),
		errors.Is(err, session.ErrNoOffer),
		errors.Is(err, session.ErrOwnOffer),
		errors.Is(err, session.ErrNothingToRevert),
		errors.Is(err, session.ErrClockStillAlive),
		errors.Is(err, session.ErrClockExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, store.ErrCorruptState):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
