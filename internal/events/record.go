package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record 描述一次插件生命周期事件。
type Record struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PluginID    int32     `json:"plugin_id"`
	Path        string    `json:"path"`
	Status      string    `json:"status"`
	Origin      int32     `json:"origin"`
	Message     string    `json:"message,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	Signer      string    `json:"signer,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher 负责将事件投递到总线。
type Publisher interface {
	Publish(ctx context.Context, record Record) error
	Close() error
}

func encode(record Record) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}

// Decode 解析总线上收到的事件负载。
func Decode(payload []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return record, nil
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Record) error { return nil }

// Close implements Publisher.
func (Discard) Close() error { return nil }
