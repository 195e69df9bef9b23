package main

import (
	"fmt"
	"net/http"

	"github.com/amakov/feedsync/pkg/config"
	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/reconcile"
	"github.com/amakov/feedsync/pkg/websub"
)

type Server struct {
	http.Server
}

func NewServer(cfg *config.Config, storage db.Storage, engine *reconcile.Engine) *Server {
	mux := http.NewServeMux()

	mux.Handle("/websub/", websub.NewHandler(storage, engine))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := Server{}
	srv.Addr = fmt.Sprintf(":%d", cfg.Server.Port)
	srv.Handler = mux

	return &srv
}
