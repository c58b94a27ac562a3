// Package router wires the gateway's HTTP surfaces: public system
// endpoints, the authenticated control plane behind the rate limiter, and
// the data-plane WebSocket upgrade.
package router

import (
	"net/http"

	"github.com/gorilla/mux"

	apiauth "arena1/api/auth"
	apigame "arena1/api/game"
	apirooms "arena1/api/rooms"
	apisystem "arena1/api/system"
	authPkg "arena1/auth"
	"arena1/gateway"
	"arena1/metrics"
	"arena1/ratelimit"
)

// Setup builds the gateway router
func Setup(hub *gateway.Hub, authManager *authPkg.Manager, limiter *ratelimit.Limiter, relay gateway.SignalRelay) *mux.Router {
	r := mux.NewRouter()

	authHandler := apiauth.NewHandler(authManager)
	roomsHandler := apirooms.NewHandler(hub.WorkerClient())
	gameHandler := apigame.NewHandler(hub.WorkerClient())
	systemHandler := apisystem.NewHandler(hub)

	authMiddleware := authPkg.NewMiddleware(authManager)

	// Public system surfaces
	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
	r.HandleFunc("/ready", systemHandler.Ready).Methods("GET")
	r.HandleFunc("/live", systemHandler.Live).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/game/performance", systemHandler.Performance).Methods("GET")

	// Data plane: token validated during the upgrade handshake
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		gateway.ServeWS(hub, authManager, relay, w, req)
	})

	// Worker-facing snapshot ingest, guarded by the shared secret
	r.HandleFunc("/worker/snapshot", hub.HandleWorkerSnapshot).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()

	// Authentication routes (no bearer token required)
	authRoutes := api.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/register", authHandler.Register).Methods("POST")
	authRoutes.HandleFunc("/login", authHandler.Login).Methods("POST")

	logoutRoutes := api.PathPrefix("/auth").Subrouter()
	logoutRoutes.Use(authMiddleware.AuthRequired)
	logoutRoutes.HandleFunc("/logout", authHandler.Logout).Methods("POST")

	// Room control plane: auth first so the user key feeds the limiter
	roomCreate := api.PathPrefix("/rooms").Subrouter()
	roomCreate.Use(authMiddleware.AuthRequired)
	roomCreate.Use(limiter.Middleware("/api/rooms", authPkg.UserIDFromRequest))
	roomCreate.HandleFunc("", roomsHandler.Create).Methods("POST")
	roomCreate.HandleFunc("", roomsHandler.List).Methods("GET")

	roomJoin := api.PathPrefix("/rooms").Subrouter()
	roomJoin.Use(authMiddleware.AuthRequired)
	roomJoin.Use(limiter.Middleware("/api/rooms/join", authPkg.UserIDFromRequest))
	roomJoin.HandleFunc("/{id}/join", roomsHandler.Join).Methods("POST")

	roomOps := api.PathPrefix("/rooms").Subrouter()
	roomOps.Use(authMiddleware.AuthRequired)
	roomOps.Use(limiter.Middleware("/api/rooms/ops", authPkg.UserIDFromRequest))
	roomOps.HandleFunc("/{id}/leave", roomsHandler.Leave).Methods("POST")
	roomOps.HandleFunc("/{id}/start", roomsHandler.Start).Methods("POST")
	roomOps.HandleFunc("/{id}/end", roomsHandler.End).Methods("POST")
	roomOps.HandleFunc("/{id}/ready", roomsHandler.Ready).Methods("POST")
	roomOps.HandleFunc("/{id}/status", roomsHandler.Status).Methods("GET")

	// Real-time input path with its high-frequency tuple
	gameRoutes := api.PathPrefix("/game").Subrouter()
	gameRoutes.Use(authMiddleware.AuthRequired)
	gameRoutes.Use(limiter.Middleware("/api/game/input", authPkg.UserIDFromRequest))
	gameRoutes.HandleFunc("/input", gameHandler.Input).Methods("POST")

	chatRoutes := api.PathPrefix("/chat").Subrouter()
	chatRoutes.Use(authMiddleware.AuthRequired)
	chatRoutes.Use(limiter.Middleware("/api/chat", authPkg.UserIDFromRequest))
	chatRoutes.HandleFunc("", gameHandler.ChatSend).Methods("POST")
	chatRoutes.HandleFunc("/history/{room_id}", gameHandler.ChatHistory).Methods("GET")

	return r
}
