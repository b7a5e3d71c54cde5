package httpserver

import (
	"net/http"

	"vaultpay/internal/auth"
	"vaultpay/internal/httputil"
	"vaultpay/internal/ledger"
	"vaultpay/internal/security"
	"vaultpay/internal/withdrawals"

	"github.com/go-chi/chi/v5"
)

type RouterDeps struct {
	AuthHandler        *auth.Handler
	LedgerHandler      *ledger.Handler
	SecurityHandler    *security.Handler
	WithdrawalsHandler *withdrawals.Handler
	AuthService        *auth.Service
	WSHandler          http.Handler
}

// userHandler adapts the userID-taking handler signature to chi.
type userHandler func(http.ResponseWriter, *http.Request, string)

func withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		h(w, r, userID)
	}
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS middleware for development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})

		// Provider callbacks are authenticated by HMAC, not by bearer token.
		r.Post("/payouts/{provider}/callback", d.WithdrawalsHandler.PayoutCallback)

		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", withUser(d.AuthHandler.Me))
			r.Get("/balances", withUser(d.LedgerHandler.Balances))

			r.Route("/security", func(r chi.Router) {
				r.Get("/ips", withUser(d.SecurityHandler.ListIPs))
				r.Post("/ips", withUser(d.SecurityHandler.AddIP))
				r.Delete("/ips/{ip}", withUser(d.SecurityHandler.RemoveIP))
				r.Get("/addresses", withUser(d.SecurityHandler.ListAddresses))
				r.Post("/addresses", withUser(d.SecurityHandler.AddAddress))
				r.Post("/addresses/{id}/verify", withUser(d.SecurityHandler.VerifyAddress))
				r.Delete("/addresses/{id}", withUser(d.SecurityHandler.RemoveAddress))
			})

			r.Route("/withdrawals", func(r chi.Router) {
				r.Get("/methods", withUser(d.WithdrawalsHandler.Methods))
				r.Post("/", withUser(d.WithdrawalsHandler.Create))
				r.Get("/", withUser(d.WithdrawalsHandler.ListMine))
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/withdrawals", withUser(d.WithdrawalsHandler.ListAll))
				r.Patch("/withdrawals/{id}", withUser(d.WithdrawalsHandler.Dispose))
			})
		})
	})
	return r
}
