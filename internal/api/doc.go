// Package api exposes the plugin host over HTTP: plugin listing and control,
// the host console, the lifecycle history and health and metrics endpoints.
package api
