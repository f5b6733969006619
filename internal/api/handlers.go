// Package api serves the REST surface: accounts, rooms, message history and
// remote code execution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/execute"
	"github.com/manpreetbhatti/orbit/internal/protocol"
	"github.com/manpreetbhatti/orbit/internal/ratelimit"
	"github.com/manpreetbhatti/orbit/internal/store"
)

const (
	minPasswordLength = 6
	maxBodyBytes      = 1 << 20
)

// Presence reports live room occupancy.
type Presence interface {
	ActiveRooms() map[string]int
}

type Compiler interface {
	Run(ctx context.Context, source, language string) (*execute.Result, error)
}

type Config struct {
	Store        *store.Store
	Presence     Presence
	Issuer       *auth.Issuer
	Verifier     *auth.Verifier
	Compiler     Compiler
	CompileLimit *ratelimit.Keyed
	// Socket, when set, is mounted at GET /ws.
	Socket http.Handler
	Logger *zap.Logger
}

type API struct {
	store        *store.Store
	presence     Presence
	issuer       *auth.Issuer
	compiler     Compiler
	compileLimit *ratelimit.Keyed
	protect      auth.Middleware
	socket       http.Handler
	logger       *zap.Logger
	started      time.Time
}

func New(cfg Config) *API {
	logger := cfg.Logger.Named("api")
	return &API{
		store:        cfg.Store,
		presence:     cfg.Presence,
		issuer:       cfg.Issuer,
		compiler:     cfg.Compiler,
		compileLimit: cfg.CompileLimit,
		protect:      auth.Protect(cfg.Verifier, logger),
		socket:       cfg.Socket,
		logger:       logger,
		started:      time.Now(),
	}
}

// Handler returns the routed handler wrapped in CORS headers.
func (a *API) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/health", a.handleHealth)
	router.GET("/api/stats", a.handleStats)
	router.POST("/api/auth/register", a.handleRegister)
	router.POST("/api/auth/login", a.handleLogin)

	router.Handler(http.MethodPost, "/api/rooms/create", a.protected(a.handleCreateRoom))
	router.Handler(http.MethodPost, "/api/rooms/join", a.protected(a.handleJoinRoom))
	router.Handler(http.MethodGet, "/api/rooms/my", a.protected(a.handleMyRooms))
	router.Handler(http.MethodGet, "/api/rooms/code/:code", a.protected(a.handleRoomByCode))
	router.Handler(http.MethodGet, "/api/messages/:roomId", a.protected(a.handleMessages))
	router.Handler(http.MethodPost, "/api/compile", a.protected(a.handleCompile))

	if a.socket != nil {
		router.Handler(http.MethodGet, "/ws", a.socket)
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Route not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return corsMiddleware(router)
}

// protected adapts an identity-aware handler to the auth middleware.
func (a *API) protected(h func(w http.ResponseWriter, r *http.Request, id auth.Identity)) http.Handler {
	return a.protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		h(w, r, id)
	}))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encode response", zap.Error(err))
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (a *API) success(w http.ResponseWriter, status int, message string, data any) {
	a.jsonResponse(w, status, envelope{Success: true, Message: message, Data: data})
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"uptime":    time.Since(a.started).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	active := a.presence.ActiveRooms()
	online := 0
	for _, n := range active {
		online += n
	}

	data := map[string]any{
		"activeRooms":    len(active),
		"onlineSessions": online,
	}
	if stats, err := a.store.Stats(r.Context()); err == nil {
		data["users"] = stats.Users
		data["rooms"] = stats.Rooms
		data["messages"] = stats.Messages
	} else {
		a.logger.Warn("load stats", zap.Error(err))
	}

	a.success(w, http.StatusOK, "", data)
}

// Accounts

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		errorResponse(w, http.StatusBadRequest, "Username, email and password are required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		errorResponse(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.logger.Error("hash password", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	user, err := a.store.CreateUser(r.Context(), req.Username, req.Email, hash)
	if errors.Is(err, store.ErrDuplicate) {
		errorResponse(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		a.logger.Error("create user", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	a.success(w, http.StatusCreated, "User registered successfully", user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := a.store.FindUserByEmail(r.Context(), req.Email)
	if err != nil {
		a.logger.Error("find user", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		errorResponse(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, err := a.issuer.Issue(auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		a.logger.Error("issue token", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Login failed")
		return
	}

	a.success(w, http.StatusOK, "Login successful", loginResponse{Token: token, User: user})
}

// Rooms

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type joinRoomRequest struct {
	RoomCode string `json:"roomCode"`
}

type roomResponse struct {
	*store.Room
	ActiveUsers int `json:"activeUsers"`
}

func (a *API) withPresence(room *store.Room) roomResponse {
	return roomResponse{Room: room, ActiveUsers: a.presence.ActiveRooms()[room.Code]}
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req createRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		errorResponse(w, http.StatusBadRequest, "Room name is required")
		return
	}

	room, err := a.store.CreateRoom(r.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Description), id.UserID)
	if err != nil {
		a.logger.Error("create room", zap.String("user", id.UserID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Room creation failed")
		return
	}

	a.logger.Info("room created", zap.String("code", room.Code), zap.String("user", id.Username))
	a.success(w, http.StatusCreated, "Room created successfully", room)
}

func (a *API) handleJoinRoom(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req joinRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	code := protocol.NormalizeRoom(req.RoomCode)
	if code == "" {
		errorResponse(w, http.StatusBadRequest, "Room code is required")
		return
	}

	room, err := a.store.FindRoomByCode(r.Context(), code)
	if err != nil {
		a.logger.Error("find room", zap.String("code", code), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Join failed")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	if err := a.store.AddMember(r.Context(), room.ID, id.UserID); err != nil {
		a.logger.Error("add member", zap.String("room", room.ID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Join failed")
		return
	}
	if refreshed, err := a.store.GetRoom(r.Context(), room.ID); err == nil && refreshed != nil {
		room = refreshed
	}

	a.success(w, http.StatusOK, "Joined room successfully", a.withPresence(room))
}

func (a *API) handleMyRooms(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	rooms, err := a.store.ListRoomsForUser(r.Context(), id.UserID)
	if err != nil {
		a.logger.Error("list rooms", zap.String("user", id.UserID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Could not fetch rooms")
		return
	}

	out := make([]roomResponse, len(rooms))
	for i := range rooms {
		out[i] = a.withPresence(&rooms[i])
	}
	a.success(w, http.StatusOK, "", out)
}

func (a *API) handleRoomByCode(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	code := protocol.NormalizeRoom(httprouter.ParamsFromContext(r.Context()).ByName("code"))

	room, err := a.store.FindRoomByCode(r.Context(), code)
	if err != nil {
		a.logger.Error("find room", zap.String("code", code), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Could not fetch room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.success(w, http.StatusOK, "", a.withPresence(room))
}

// Messages

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	roomID := httprouter.ParamsFromContext(r.Context()).ByName("roomId")

	member, err := a.store.IsMember(r.Context(), roomID, id.UserID)
	if err != nil {
		a.logger.Error("check membership", zap.String("room", roomID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	if !member {
		errorResponse(w, http.StatusForbidden, "Not a member of this room")
		return
	}

	messages, err := a.store.MessagesByRoom(r.Context(), roomID)
	if err != nil {
		a.logger.Error("list messages", zap.String("room", roomID), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}

	a.success(w, http.StatusOK, "", messages)
}

// Compile

type compileRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (a *API) handleCompile(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if a.compileLimit != nil && !a.compileLimit.Allow(clientIP(r)) {
		errorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req compileRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" || req.Language == "" {
		errorResponse(w, http.StatusBadRequest, "Code and language are required")
		return
	}

	result, err := a.compiler.Run(r.Context(), req.Code, req.Language)
	if err != nil {
		a.logger.Warn("compile failed", zap.String("language", req.Language), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Compilation failed")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"output":  result,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
