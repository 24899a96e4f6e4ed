package client

import "github.com/hacklido/labroom/internal/controlapi"

type Lab = controlapi.Lab

// LabStatus values as reported in Lab.Status.
const (
	LabStatusPending  = "pending"
	LabStatusStarting = "starting"
	LabStatusRunning  = "running"
	LabStatusError    = "error"
	LabStatusStopped  = "stopped"
)

type StartLabRequest = controlapi.StartLabRequest
type StartLabResponse = controlapi.StartLabResponse
type GetLabRequest = controlapi.GetLabRequest
type GetLabResponse = controlapi.GetLabResponse
type ListLabsRequest = controlapi.ListLabsRequest
type ListLabsResponse = controlapi.ListLabsResponse
type ExecuteCommandRequest = controlapi.ExecuteCommandRequest
type ExecuteCommandResponse = controlapi.ExecuteCommandResponse
type StopLabRequest = controlapi.StopLabRequest
type StopLabResponse = controlapi.StopLabResponse

type SubmitFlagRequest = controlapi.SubmitFlagRequest
type SubmitFlagResponse = controlapi.SubmitFlagResponse
type Progress = controlapi.Progress
type ListProgressRequest = controlapi.ListProgressRequest
type ListProgressResponse = controlapi.ListProgressResponse
type LeaderboardEntry = controlapi.LeaderboardEntry
type GetStatsRequest = controlapi.GetStatsRequest
type GetStatsResponse = controlapi.GetStatsResponse
