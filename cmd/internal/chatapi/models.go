package chatapi

import "github.com/luckysmithlee/im-next/cmd/internal/realtime"

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type historyResponse struct {
	Peer       string             `json:"peer"`
	Before     *int64             `json:"before"`
	Messages   []realtime.Message `json:"messages"`
	NextCursor *int64             `json:"nextCursor"`
}

type sendRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`

	// Accepted for older clients and ignored: the server clock assigns timestamps.
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type sendResponse struct {
	Message    realtime.Message `json:"message"`
	Duplicated bool             `json:"duplicated"`
	Delivered  int              `json:"delivered"`
}

type unreadResponse struct {
	ByPeer map[string]int `json:"byPeer"`
	Total  int            `json:"total"`
}

type readResponse struct {
	OK bool `json:"ok"`
	unreadResponse
}

type conversationsResponse struct {
	Conversations []realtime.ConversationSummary `json:"conversations"`
}

type onlineStatsResponse struct {
	TotalSockets int                 `json:"totalSockets"`
	OnlineUsers  int                 `json:"onlineUsers"`
	Users        map[string][]string `json:"users"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func unreadFrom(t realtime.Totals) unreadResponse {
	by := t.ByPeer
	if by == nil {
		by = map[string]int{}
	}
	return unreadResponse{ByPeer: by, Total: t.Total}
}
