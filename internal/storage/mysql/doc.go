// Package mysql persists the plugin lifecycle history. It ships a MySQL
// repository with embedded schema migrations and a file-backed in-memory
// repository for single-node deployments.
package mysql
