package controlapi

const ServiceName = "labroom.v1.LabService"

const (
	StartLabProcedure       = "/" + ServiceName + "/StartLab"
	GetLabProcedure         = "/" + ServiceName + "/GetLab"
	ListLabsProcedure       = "/" + ServiceName + "/ListLabs"
	ExecuteCommandProcedure = "/" + ServiceName + "/ExecuteCommand"
	StopLabProcedure        = "/" + ServiceName + "/StopLab"
	SubmitFlagProcedure     = "/" + ServiceName + "/SubmitFlag"
	ListProgressProcedure   = "/" + ServiceName + "/ListProgress"
	GetStatsProcedure       = "/" + ServiceName + "/GetStats"
)

// ServicePath is the mux prefix that routes every LabService procedure.
const ServicePath = "/" + ServiceName + "/"
