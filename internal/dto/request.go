package dto

// ListSubscriptionsRequest selects the subscriptions of one destination
type ListSubscriptionsRequest struct {
	Platform    string `form:"platform" binding:"required" example:"OneBot V11"`
	BotID       string `form:"bot_id" binding:"required" example:"10001"`
	SessionID   string `form:"session_id" binding:"required" example:"123456"`
	SessionKind string `form:"session_kind" binding:"required" example:"group"`
}

// GetPushStatsRequest represents a push statistics query
type GetPushStatsRequest struct {
	From int64 `form:"from" binding:"required" example:"1723475612"`
	To   int64 `form:"to" binding:"required" example:"1723562012"`
}
