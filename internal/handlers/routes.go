package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, rh *ResolveHandler, gh *GenerationHandler) {
	r.HandleFunc("/healthz", HandleHealth).Methods("GET")
	r.HandleFunc("/qr", rh.HandleResolve).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/qr-lists/{id}/generate", gh.HandleGenerate).Methods("POST")
	api.HandleFunc("/qr-lists/{id}/preview", gh.HandlePreview).Methods("GET")
	api.HandleFunc("/qr-lists/{id}/rotate", gh.HandleRotate).Methods("POST")
	api.HandleFunc("/qr-lists/{id}", gh.HandleDeleteList).Methods("DELETE")
	api.HandleFunc("/documents/{doctype}/{name}/qr", gh.HandleGenerateForDocument).Methods("POST")
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
