package flock

import (
	"net/http"

	"github.com/putto11262002/flock/pkg/router"
)

type HealthResponse struct {
	OK         bool `json:"ok"`
	GroupCount int  `json:"groupCount"`
}

func (app *App) HealthHandler(w http.ResponseWriter, _ *http.Request) error {
	return router.WriteJSON(w, http.StatusOK, HealthResponse{
		OK:         true,
		GroupCount: app.coordinator.GroupCount(),
	})
}
