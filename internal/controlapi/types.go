package controlapi

import "time"

type Lab struct {
	SessionID string     `json:"session_id"`
	OwnerID   string     `json:"owner_id"`
	RoomID    string     `json:"room_id"`
	Handle    string     `json:"container_id,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type StartLabRequest struct {
	OwnerID string `json:"owner_id"`
	RoomID  string `json:"room_id"`
}

type StartLabResponse struct {
	Lab Lab `json:"lab"`
}

type GetLabRequest struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
}

type GetLabResponse struct {
	Lab Lab `json:"lab"`
}

type ListLabsRequest struct {
	OwnerID string `json:"owner_id"`
}

type ListLabsResponse struct {
	Labs []Lab `json:"labs"`
}

type ExecuteCommandRequest struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	Command   string `json:"command"`
}

type ExecuteCommandResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

type StopLabRequest struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
}

type StopLabResponse struct {
	Lab     Lab    `json:"lab"`
	Message string `json:"message"`
}

type SubmitFlagRequest struct {
	OwnerID string `json:"owner_id"`
	RoomID  string `json:"room_id"`
	Flag    string `json:"flag"`
}

type SubmitFlagResponse struct {
	Correct       bool   `json:"correct"`
	RewardGranted bool   `json:"reward_granted"`
	XPEarned      int    `json:"xp_earned,omitempty"`
	Message       string `json:"message"`
}

type Progress struct {
	RoomID         string     `json:"room_id"`
	Completed      bool       `json:"completed"`
	CompletedTasks []int      `json:"completed_tasks"`
	SubmittedFlags []string   `json:"submitted_flags"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type ListProgressRequest struct {
	OwnerID string `json:"owner_id"`
}

type ListProgressResponse struct {
	OwnerID        string     `json:"owner_id"`
	XP             int        `json:"xp"`
	CompletedRooms []string   `json:"completed_rooms"`
	Progress       []Progress `json:"progress"`
}

type LeaderboardEntry struct {
	UserID         string `json:"user_id"`
	XP             int    `json:"xp"`
	CompletedRooms int    `json:"completed_rooms_count"`
}

type GetStatsRequest struct {
	LeaderboardLimit int `json:"leaderboard_limit,omitempty"`
}

type GetStatsResponse struct {
	TotalUsers     int                `json:"total_users"`
	TotalRooms     int                `json:"total_rooms"`
	TotalSessions  int                `json:"total_sessions"`
	ActiveSessions int                `json:"active_sessions"`
	Backend        string             `json:"backend"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
}
