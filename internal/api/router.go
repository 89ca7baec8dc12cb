package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the HTTP surface. Account creation is the only
// unauthenticated API endpoint; it issues the key everything else requires.
func NewRouter(h *Handler, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metricsHandler).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(h.Authenticate)
	authed.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	authed.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	authed.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	authed.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	authed.HandleFunc("/webhooks", h.CreateWebhook).Methods("POST")
	authed.HandleFunc("/webhooks/{id}", h.GetWebhook).Methods("GET")
	authed.HandleFunc("/webhooks/{id}", h.UpdateWebhook).Methods("PUT")
	authed.HandleFunc("/webhooks/{id}", h.DeleteWebhook).Methods("DELETE")
	authed.HandleFunc("/webhooks/{id}/deliveries", h.ListWebhookDeliveries).Methods("GET")

	return r
}
