package dto

import "github.com/zifox666/xiaobawang/internal/domain"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"validation_error"`
	Message string `json:"message,omitempty" example:"from must be before to"`
}

// HealthResponse reports dependency health
type HealthResponse struct {
	Status string            `json:"status" example:"ok"`
	Checks map[string]string `json:"checks,omitempty"`
}

// IngestStats summarises the ingest side of the pipeline
type IngestStats struct {
	Transport  string `json:"transport" example:"websocket"`
	QueueDepth int    `json:"queue_depth" example:"3"`
	Admitted   int64  `json:"admitted" example:"1200"`
	Duplicates int64  `json:"duplicates" example:"45"`
	Workers    int    `json:"workers" example:"10"`
	InFlight   int64  `json:"in_flight" example:"2"`
	Processed  int64  `json:"processed" example:"1150"`
	Failed     int64  `json:"failed" example:"1"`
	Skipped    int64  `json:"skipped" example:"4"`
}

// StatsResponse is the body of GET /stats
type StatsResponse struct {
	Ingest   IngestStats    `json:"ingest"`
	Delivery map[string]int `json:"delivery"`
}

// SubscriptionsResponse lists subscriptions of one destination
type SubscriptionsResponse struct {
	Destination   domain.DestinationKey `json:"destination"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

// PushStatData is the push count of one destination
type PushStatData struct {
	Destination domain.DestinationKey `json:"destination"`
	Count       uint64                `json:"count" example:"42"`
	LastPushAt  int64                 `json:"last_push_at" example:"1723562000"`
}

// GetPushStatsResponse represents the push statistics response
type GetPushStatsResponse struct {
	From  int64          `json:"from" example:"1723475612"`
	To    int64          `json:"to" example:"1723562012"`
	Total uint64         `json:"total" example:"120"`
	Stats []PushStatData `json:"stats"`
}
