package model

import "time"

// UsageEvent records one admitted partner call. It is published to Kafka by
// the usage tracker and persisted to ClickHouse by the usage worker.
type UsageEvent struct {
	RequestID   string    `json:"request_id" db:"request_id"`
	PartnerID   string    `json:"partner_id" db:"partner_id"`
	KeyID       string    `json:"key_id" db:"key_id"`
	Method      string    `json:"method" db:"method"`
	Endpoint    string    `json:"endpoint" db:"endpoint"`
	ClientIP    string    `json:"client_ip" db:"client_ip"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	PayloadSize int64     `json:"payload_size" db:"payload_size"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
}
