package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/identity"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/store"
)

const opTimeout = 30 * time.Second

// ConnCtx is what the server knows about one socket connection.
type ConnCtx struct {
	Token  string
	User   identity.User
	Bidder *auction.Bidder
}

func (c ConnCtx) Role() identity.Role { return c.User.Role }

type Deps struct {
	Controller *auction.Controller
	Registry   *auction.Registry
	Store      store.Store
	Clock      clockwork.Clock
	Sessions   *identity.Sessions
	Guests     identity.Provider
	Admins     identity.Provider
	Authz      identity.Authorizer
}

// member is a connected socket and its session. Handlers for one socket
// run on its own goroutine, but state pushes and sign-outs arrive from
// others, so sessions live here under mu rather than in the socket context.
type member struct {
	conn socketio.Conn
	ctx  ConnCtx
}

type Server struct {
	Deps

	mu      sync.Mutex
	members map[string]*member // socketID -> member
	unsub   store.Unsubscribe
}

func New(d Deps) *Server {
	srv := &Server{Deps: d, members: make(map[string]*member)}
	d.Sessions.OnAuthChange(func(u identity.User, signedIn bool) {
		if !signedIn {
			srv.detachUser(u.ID)
		}
	})
	return srv
}

// ImagePayload is one image sent inline as base64 or a data URL.
type ImagePayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type guestSignInRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type adminSignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resumeRequest struct {
	Token string `json:"token"`
}

type startRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Images       []ImagePayload `json:"images"`
	InitialPrice int64          `json:"initialPrice"`
	Increment    int64          `json:"increment"`
}

type timerRequest struct {
	Seconds int `json:"seconds"`
}

type participantRequest struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// Mount attaches Socket.IO server with handlers to the given Gin engine and
// starts pushing auction state to connected clients.
func (srv *Server) Mount(ctx context.Context, r *gin.Engine) (*socketio.Server, error) {
	io := socketio.NewServer(nil)

	io.OnConnect("/", srv.onConnect)
	io.OnEvent("/", "guest:signIn", srv.guestSignIn)
	io.OnEvent("/", "admin:signIn", srv.adminSignIn)
	io.OnEvent("/", "session:resume", srv.resume)
	io.OnEvent("/", "session:signOut", srv.signOut)
	io.OnEvent("/", "bid:call", func(s socketio.Conn) map[string]any {
		return srv.bid(s, "call", (*auction.Bidder).Call)
	})
	io.OnEvent("/", "bid:fold", func(s socketio.Conn) map[string]any {
		return srv.bid(s, "fold", (*auction.Bidder).Fold)
	})
	io.OnEvent("/", "admin:start", srv.adminStart)
	io.OnEvent("/", "admin:raise", srv.adminRaise)
	io.OnEvent("/", "admin:timer", srv.adminTimer)
	io.OnEvent("/", "admin:end", srv.adminEnd)
	io.OnEvent("/", "admin:verify", func(s socketio.Conn, req participantRequest) map[string]any {
		return srv.admin(s, func(ctx context.Context) error { return srv.Registry.Verify(ctx, req.ID) })
	})
	io.OnEvent("/", "admin:setActive", func(s socketio.Conn, req participantRequest) map[string]any {
		return srv.admin(s, func(ctx context.Context) error { return srv.Registry.SetActive(ctx, req.ID, req.Active) })
	})
	io.OnEvent("/", "admin:remove", func(s socketio.Conn, req participantRequest) map[string]any {
		return srv.admin(s, func(ctx context.Context) error { return srv.Registry.Remove(ctx, req.ID) })
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		srv.removeMember(s)
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	unsub, err := srv.Store.Subscribe(ctx, auction.PathAuction, srv.broadcastState)
	if err != nil {
		return nil, fmt.Errorf("subscribe auction state: %w", err)
	}
	srv.unsub = unsub

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io server stopped")
		}
	}()

	// Mount to router
	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io, nil
}

// Close stops state pushes and every attached bidder session.
func (srv *Server) Close() {
	if srv.unsub != nil {
		srv.unsub()
	}
	srv.mu.Lock()
	var bidders []*auction.Bidder
	for _, m := range srv.members {
		if m.ctx.Bidder != nil {
			bidders = append(bidders, m.ctx.Bidder)
		}
		m.ctx = ConnCtx{}
	}
	srv.mu.Unlock()
	for _, b := range bidders {
		b.Close()
	}
}

func (srv *Server) onConnect(s socketio.Conn) error {
	srv.addMember(s)
	log.Info().Str("sid", s.ID()).Msg("socket connected")
	srv.emitCurrentState(s)
	return nil
}

func (srv *Server) guestSignIn(s socketio.Conn, req guestSignInRequest) map[string]any {
	ctx, cancel := opContext()
	defer cancel()
	u, err := srv.Guests.SignIn(ctx, identity.Credentials{Name: req.Name, Email: req.Email})
	if err != nil {
		return srv.err(s, err)
	}
	p, created, err := srv.Registry.Register(ctx, u.ID, u.Name, u.Email)
	if err != nil {
		return srv.err(s, err)
	}
	sess := srv.Sessions.Create(u)
	if err := srv.attachGuest(ctx, s, sess.Token, u); err != nil {
		srv.Sessions.Revoke(sess.Token)
		return srv.err(s, err)
	}
	log.Info().Str("sid", s.ID()).Str("participantId", u.ID).Bool("created", created).Msg("guest:signIn")
	srv.emitCurrentState(s)
	return map[string]any{"token": sess.Token, "participantId": u.ID, "participant": p}
}

func (srv *Server) adminSignIn(s socketio.Conn, req adminSignInRequest) map[string]any {
	ctx, cancel := opContext()
	defer cancel()
	u, err := identity.Admit(ctx, srv.Admins, srv.Authz, identity.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		log.Warn().Str("sid", s.ID()).Str("email", req.Email).Err(err).Msg("admin sign-in rejected")
		return srv.err(s, err)
	}
	sess := srv.Sessions.Create(u)
	srv.rebind(s, ConnCtx{Token: sess.Token, User: u})
	log.Info().Str("sid", s.ID()).Str("admin", u.Email).Msg("admin:signIn")
	srv.emitCurrentState(s)
	return map[string]any{"token": sess.Token}
}

// resume re-attaches a connection to an existing session after a reconnect.
func (srv *Server) resume(s socketio.Conn, req resumeRequest) map[string]any {
	ctx, cancel := opContext()
	defer cancel()
	u, err := srv.Sessions.Resolve(req.Token)
	if err != nil {
		return srv.err(s, err)
	}
	switch u.Role {
	case identity.RoleAdmin:
		if !srv.Authz.IsAdmin(u) {
			srv.Sessions.Revoke(req.Token)
			return srv.err(s, identity.ErrForbidden)
		}
		srv.rebind(s, ConnCtx{Token: req.Token, User: u})
	default:
		if _, err := srv.Registry.Get(ctx, u.ID); err != nil {
			if errors.Is(err, auction.ErrParticipantNotFound) {
				srv.Sessions.Revoke(req.Token)
			}
			return srv.err(s, err)
		}
		if err := srv.attachGuest(ctx, s, req.Token, u); err != nil {
			return srv.err(s, err)
		}
	}
	log.Info().Str("sid", s.ID()).Str("userId", u.ID).Str("role", string(u.Role)).Msg("session:resume")
	srv.emitCurrentState(s)
	return map[string]any{"ok": true, "role": u.Role, "userId": u.ID}
}

func (srv *Server) signOut(s socketio.Conn) map[string]any {
	c := srv.session(s)
	srv.rebind(s, ConnCtx{})
	if c.Token != "" {
		srv.Sessions.Revoke(c.Token)
	}
	return map[string]any{"ok": true}
}

func (srv *Server) adminStart(s socketio.Conn, req startRequest) map[string]any {
	if _, err := srv.requireAdmin(s); err != nil {
		return srv.err(s, err)
	}
	images, err := DecodeImages(req.Images)
	if err != nil {
		return srv.badRequest(s, err.Error())
	}
	ctx, cancel := opContext()
	defer cancel()
	doc, err := srv.Controller.StartAuction(ctx, auction.Setup{
		Name:         req.Name,
		Description:  req.Description,
		Images:       images,
		InitialPrice: req.InitialPrice,
		Increment:    req.Increment,
	})
	if err != nil {
		return srv.err(s, err)
	}
	log.Info().Str("sid", s.ID()).Str("item", doc.Item.Name).Msg("admin:start")
	return map[string]any{"ok": true, "auction": doc}
}

func (srv *Server) adminRaise(s socketio.Conn) map[string]any {
	if _, err := srv.requireAdmin(s); err != nil {
		return srv.err(s, err)
	}
	ctx, cancel := opContext()
	defer cancel()
	price, err := srv.Controller.RaisePrice(ctx)
	if err != nil {
		return srv.err(s, err)
	}
	return map[string]any{"ok": true, "currentPrice": price}
}

func (srv *Server) adminTimer(s socketio.Conn, req timerRequest) map[string]any {
	if _, err := srv.requireAdmin(s); err != nil {
		return srv.err(s, err)
	}
	d := srv.Controller.DefaultTimer()
	if req.Seconds != 0 {
		d = time.Duration(req.Seconds) * time.Second
	}
	ctx, cancel := opContext()
	defer cancel()
	end, err := srv.Controller.StartTimer(ctx, d)
	if err != nil {
		return srv.err(s, err)
	}
	return map[string]any{"ok": true, "timerEnd": end}
}

func (srv *Server) adminEnd(s socketio.Conn) map[string]any {
	if _, err := srv.requireAdmin(s); err != nil {
		return srv.err(s, err)
	}
	ctx, cancel := opContext()
	defer cancel()
	w, err := srv.Controller.EndAuction(ctx)
	if err != nil {
		return srv.err(s, err)
	}
	return map[string]any{"ok": true, "winner": w}
}

func (srv *Server) bid(s socketio.Conn, action string, do func(*auction.Bidder, context.Context) error) map[string]any {
	c := srv.session(s)
	if c.Bidder == nil || c.User.Role != identity.RoleGuest {
		return srv.err(s, identity.ErrUnauthenticated)
	}
	if _, err := srv.Sessions.Resolve(c.Token); err != nil {
		return srv.err(s, err)
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := do(c.Bidder, ctx); err != nil {
		log.Debug().Str("participantId", c.User.ID).Str("action", action).Err(err).Msg("bid rejected")
		return srv.err(s, err)
	}
	return map[string]any{"ok": true, "view": c.Bidder.View()}
}

func (srv *Server) admin(s socketio.Conn, do func(ctx context.Context) error) map[string]any {
	if _, err := srv.requireAdmin(s); err != nil {
		return srv.err(s, err)
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := do(ctx); err != nil {
		return srv.err(s, err)
	}
	return map[string]any{"ok": true}
}

func (srv *Server) requireAdmin(s socketio.Conn) (ConnCtx, error) {
	c := srv.session(s)
	if c.Token == "" {
		return ConnCtx{}, identity.ErrUnauthenticated
	}
	u, err := srv.Sessions.Resolve(c.Token)
	if err != nil {
		return ConnCtx{}, err
	}
	if !srv.Authz.IsAdmin(u) {
		return ConnCtx{}, identity.ErrForbidden
	}
	return c, nil
}

// attachGuest binds a bidder session for u to the connection, replacing any
// previous one.
func (srv *Server) attachGuest(ctx context.Context, s socketio.Conn, token string, u identity.User) error {
	b := auction.NewBidder(srv.Store, srv.Clock, srv.Controller.Policy(), u.ID)
	b.OnChange(func(v auction.View) { s.Emit("bid:view", v) })
	b.OnMissing(func() {
		log.Info().Str("sid", s.ID()).Str("participantId", u.ID).Msg("participant record gone, signing out")
		s.Emit("guest:missing", map[string]any{"participantId": u.ID})
		srv.Sessions.Revoke(token)
	})
	srv.rebind(s, ConnCtx{Token: token, User: u, Bidder: b})
	if err := b.Start(ctx); err != nil {
		srv.releaseBidder(s, b)
		return err
	}
	return nil
}

// session returns a copy of the connection's session; anonymous when the
// socket is unknown.
func (srv *Server) session(s socketio.Conn) ConnCtx {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if m, ok := srv.members[s.ID()]; ok {
		return m.ctx
	}
	return ConnCtx{}
}

// rebind replaces the connection's session and closes the bidder it held.
func (srv *Server) rebind(s socketio.Conn, c ConnCtx) {
	srv.mu.Lock()
	m, ok := srv.members[s.ID()]
	if !ok {
		m = &member{conn: s}
		srv.members[s.ID()] = m
	}
	old := m.ctx.Bidder
	m.ctx = c
	srv.mu.Unlock()
	if old != nil && old != c.Bidder {
		old.Close()
	}
}

// releaseBidder drops the connection back to anonymous if it still holds b.
func (srv *Server) releaseBidder(s socketio.Conn, b *auction.Bidder) {
	srv.mu.Lock()
	if m, ok := srv.members[s.ID()]; ok && m.ctx.Bidder == b {
		m.ctx = ConnCtx{}
	}
	srv.mu.Unlock()
	b.Close()
}

// detachUser drops the user's connections whose session is no longer valid
// back to anonymous.
func (srv *Server) detachUser(id string) {
	srv.mu.Lock()
	var (
		conns   []socketio.Conn
		bidders []*auction.Bidder
	)
	for _, m := range srv.members {
		if m.ctx.User.ID != id {
			continue
		}
		if _, err := srv.Sessions.Resolve(m.ctx.Token); err == nil {
			continue
		}
		if m.ctx.Bidder != nil {
			bidders = append(bidders, m.ctx.Bidder)
		}
		m.ctx = ConnCtx{}
		conns = append(conns, m.conn)
	}
	srv.mu.Unlock()
	for _, b := range bidders {
		b.Close()
	}
	for _, c := range conns {
		c.Emit("session:ended", map[string]any{"userId": id})
	}
}

func (srv *Server) addMember(c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.members[c.ID()]; !ok {
		srv.members[c.ID()] = &member{conn: c}
	}
}

func (srv *Server) removeMember(c socketio.Conn) {
	srv.mu.Lock()
	m, ok := srv.members[c.ID()]
	delete(srv.members, c.ID())
	srv.mu.Unlock()
	if ok && m.ctx.Bidder != nil {
		m.ctx.Bidder.Close()
	}
}

type recipient struct {
	conn socketio.Conn
	ctx  ConnCtx
}

func (srv *Server) broadcastState(snap store.Snapshot) {
	st, err := auction.StateFromSnapshot(snap)
	if err != nil {
		log.Warn().Err(err).Msg("skipping undecodable auction state")
		return
	}
	srv.mu.Lock()
	targets := make([]recipient, 0, len(srv.members))
	for _, m := range srv.members {
		targets = append(targets, recipient{conn: m.conn, ctx: m.ctx})
	}
	srv.mu.Unlock()
	for _, r := range targets {
		r.conn.Emit("auction:state", statePayload(r.ctx, st))
	}
}

func (srv *Server) emitCurrentState(s socketio.Conn) {
	ctx, cancel := opContext()
	defer cancel()
	st, err := srv.Controller.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Str("sid", s.ID()).Msg("failed to load auction state")
		return
	}
	s.Emit("auction:state", statePayload(srv.session(s), st))
}

// statePayload personalises the state: only organizers see participants.
func statePayload(c ConnCtx, st auction.State) map[string]any {
	you := map[string]any{"role": c.User.Role}
	out := map[string]any{"exists": st.Exists, "auction": st.Auction, "you": you}
	switch c.User.Role {
	case identity.RoleAdmin:
		out["participants"] = st.Participants
	case identity.RoleGuest:
		you["participantId"] = c.User.ID
	}
	return out
}

func (srv *Server) err(s socketio.Conn, err error) map[string]any {
	code := ErrorCode(err)
	if code == CodeInternal {
		log.Error().Err(err).Str("sid", s.ID()).Msg("socket handler failed")
	}
	s.Emit("error", map[string]any{"code": code, "message": err.Error()})
	return map[string]any{"error": err.Error(), "code": code}
}

func (srv *Server) badRequest(s socketio.Conn, message string) map[string]any {
	s.Emit("error", map[string]any{"code": CodeBadRequest, "message": message})
	return map[string]any{"error": message, "code": CodeBadRequest}
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// DecodeImages turns inline payloads into upload-ready images. Data may be
// plain base64 or a data URL.
func DecodeImages(in []ImagePayload) ([]media.Image, error) {
	out := make([]media.Image, 0, len(in))
	for i, p := range in {
		data, ct := p.Data, p.ContentType
		if strings.HasPrefix(data, "data:") {
			comma := strings.IndexByte(data, ',')
			if comma < 0 {
				return nil, fmt.Errorf("image %d: malformed data URL", i+1)
			}
			meta := strings.TrimPrefix(data[:comma], "data:")
			if ct == "" {
				ct = strings.TrimSuffix(meta, ";base64")
			}
			data = data[comma+1:]
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("image %d: invalid base64: %w", i+1, err)
		}
		name := p.Filename
		if name == "" {
			name = fmt.Sprintf("image-%d", i+1)
		}
		out = append(out, media.Image{Filename: name, ContentType: ct, Data: raw})
	}
	return out, nil
}
