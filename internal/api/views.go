package api

import (
	"net/http"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/plugin"
)

// PluginView is the JSON representation of a plugin record.
type PluginView struct {
	ID        int32    `json:"id"`
	Path      string   `json:"path"`
	Status    string   `json:"status"`
	Live      bool     `json:"live"`
	Origin    int32    `json:"origin"`
	Factories []string `json:"factories,omitempty"`
}

func viewOf(info plugin.Info) PluginView {
	v := PluginView{
		ID:     int32(info.ID),
		Path:   info.Path,
		Status: info.Status.String(),
		Live:   info.Status.Live(),
		Origin: int32(info.Origin),
	}
	for _, f := range info.Factories {
		v.Factories = append(v.Factories, f.Name)
	}
	return v
}

type loadRequest struct {
	Path string `json:"path"`
}

type loadResponse struct {
	ID      int32      `json:"id"`
	Already bool       `json:"already"`
	Plugin  PluginView `json:"plugin"`
}

type consoleRequest struct {
	Line string `json:"line"`
}

type consoleResponse struct {
	Output string `json:"output"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
	// ID is set when a failed load still created a record.
	ID     *int32 `json:"id,omitempty"`
	Output string `json:"output,omitempty"`
}

// statusOf maps error codes to HTTP status codes.
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeInvalidIdentifier:
		return http.StatusNotFound
	case xerrors.CodeRefused, xerrors.CodeInvalidTransition, xerrors.CodeModuleVetoed:
		return http.StatusConflict
	case xerrors.CodeLoadError:
		return http.StatusUnprocessableEntity
	case xerrors.CodeStorageFailure, xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
