// Package events defines the plugin lifecycle record and the buses it is
// published on: an in-process fan-out, Redis and RabbitMQ.
package events
