package domain

import (
	"time"
)

type AgentStatus string

const (
	AgentStatusConception          AgentStatus = "Conception"
	AgentStatusEvolving            AgentStatus = "Evolving"
	AgentStatusCertifying          AgentStatus = "Certifying"
	AgentStatusCertified           AgentStatus = "Certified"
	AgentStatusDeploying           AgentStatus = "Deploying"
	AgentStatusLive                AgentStatus = "Live"
	AgentStatusFailed              AgentStatus = "Failed"
	AgentStatusOptimizing          AgentStatus = "Optimizing"
	AgentStatusOptimized           AgentStatus = "Optimized"
	AgentStatusAwaitingReEvolution AgentStatus = "AwaitingReEvolution"
	AgentStatusReEvolving          AgentStatus = "ReEvolving"
	AgentStatusExecutingStrategy   AgentStatus = "ExecutingStrategy"
	AgentStatusAutoEvolving        AgentStatus = "AutoEvolving"
)

type AgentType string

const (
	AgentTypeStandard   AgentType = "Standard"
	AgentTypeCreative   AgentType = "Creative"
	AgentTypeAnalytical AgentType = "Analytical"
	AgentTypeStrategist AgentType = "Strategist"
	AgentTypeClientSide AgentType = "ClientSide"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeStandard, AgentTypeCreative, AgentTypeAnalytical, AgentTypeStrategist, AgentTypeClientSide:
		return true
	}
	return false
}

type StepType string

const (
	StepTypeIngestData StepType = "IngestData"
	StepTypeEvolve     StepType = "Evolve"
	StepTypeCertify    StepType = "Certify"
	StepTypeDeploy     StepType = "Deploy"
	StepTypeOptimize   StepType = "Optimize"
)

type LogStage string

const (
	LogStageConception          LogStage = "Conception"
	LogStageEvolution           LogStage = "Evolution"
	LogStageCertification       LogStage = "Certification"
	LogStageDeployment          LogStage = "Deployment"
	LogStageOptimization        LogStage = "Optimization"
	LogStageReEvolution         LogStage = "ReEvolution"
	LogStageDataIngestion       LogStage = "DataIngestion"
	LogStageDiagnostics         LogStage = "Diagnostics"
	LogStageOrchestration       LogStage = "Orchestration"
	LogStageThinkingProcess     LogStage = "ThinkingProcess"
	LogStageDevelopmentStrategy LogStage = "DevelopmentStrategy"
	LogStageChat                LogStage = "Chat"
	LogStageGovernance          LogStage = "Governance"
)

type LogKind string

const (
	LogKindStepStarted   LogKind = "step_started"
	LogKindStepProgress  LogKind = "step_progress"
	LogKindStepCompleted LogKind = "step_completed"
	LogKindStepFailed    LogKind = "step_failed"
	LogKindStepRetried   LogKind = "step_retried"
	LogKindStatusChanged LogKind = "status_changed"
	LogKindToolCall      LogKind = "tool_call"
	LogKindToolFailed    LogKind = "tool_failed"
	LogKindNarrative     LogKind = "narrative"
	LogKindDataIngested  LogKind = "data_ingested"
	LogKindGovernance    LogKind = "governance"
)

type GovernanceActionType string

const (
	ActionReconfigureGovernance    GovernanceActionType = "ReconfigureGovernance"
	ActionToggleRealtimeFeedback   GovernanceActionType = "ToggleRealtimeFeedback"
	ActionResetLifecycle           GovernanceActionType = "ResetLifecycle"
	ActionSuspendAgent             GovernanceActionType = "SuspendAgent"
	ActionAdjustStrategyParameters GovernanceActionType = "AdjustStrategyParameters"
	ActionRetrainModel             GovernanceActionType = "RetrainModel"
	ActionAdjustModelParameters    GovernanceActionType = "AdjustModelParameters"
	ActionMaskOutput               GovernanceActionType = "MaskOutput"
	ActionResetObjective           GovernanceActionType = "ResetObjective"
	ActionFlagForManualReview      GovernanceActionType = "FlagForManualReview"
)

var GovernanceActionTypes = []GovernanceActionType{
	ActionReconfigureGovernance,
	ActionToggleRealtimeFeedback,
	ActionResetLifecycle,
	ActionSuspendAgent,
	ActionAdjustStrategyParameters,
	ActionRetrainModel,
	ActionAdjustModelParameters,
	ActionMaskOutput,
	ActionResetObjective,
	ActionFlagForManualReview,
}

func (t GovernanceActionType) Valid() bool {
	for _, known := range GovernanceActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

type GovernanceActionStatus string

const (
	ActionStatusPending  GovernanceActionStatus = "pending"
	ActionStatusApplied  GovernanceActionStatus = "applied"
	ActionStatusRejected GovernanceActionStatus = "rejected"
)

type CampaignStatus string

const (
	CampaignStatusPlanning  CampaignStatus = "Planning"
	CampaignStatusRunning   CampaignStatus = "Running"
	CampaignStatusCompleted CampaignStatus = "Completed"
	CampaignStatusFailed    CampaignStatus = "Failed"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusPlanning, CampaignStatusRunning, CampaignStatusCompleted, CampaignStatusFailed:
		return true
	}
	return false
}

const (
	DefaultMaxFailedAttemptsPerCycle     = 3
	DefaultMaxContinuousExecutionMinutes = 30
)

type GovernanceConfig struct {
	MaxFailedAttemptsPerCycle     int `json:"max_failed_attempts_per_cycle" yaml:"max_failed_attempts_per_cycle"`
	MaxContinuousExecutionMinutes int `json:"max_continuous_execution_minutes" yaml:"max_continuous_execution_minutes"`
}

// MaxFailedAttempts returns the retry budget, falling back to the default
// for agents without a governance configuration.
func (c *GovernanceConfig) MaxFailedAttempts() int {
	if c == nil || c.MaxFailedAttemptsPerCycle <= 0 {
		return DefaultMaxFailedAttemptsPerCycle
	}
	return c.MaxFailedAttemptsPerCycle
}

func (c *GovernanceConfig) MaxContinuousExecution() time.Duration {
	if c == nil || c.MaxContinuousExecutionMinutes <= 0 {
		return DefaultMaxContinuousExecutionMinutes * time.Minute
	}
	return time.Duration(c.MaxContinuousExecutionMinutes) * time.Minute
}

type Agent struct {
	ID                      string             `json:"id"`
	Name                    string             `json:"name"`
	Objective               string             `json:"objective"`
	Type                    AgentType          `json:"type"`
	Status                  AgentStatus        `json:"status"`
	Progress                int                `json:"progress"`
	StrategyID              string             `json:"strategy_id,omitempty"`
	CurrentStrategyStep     int                `json:"current_strategy_step"`
	FeatureEngineIDs        []string           `json:"feature_engine_ids"`
	GovernanceConfig        *GovernanceConfig  `json:"governance_config,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
	StatusSince             time.Time          `json:"status_since"`
	DataIngested            int                `json:"data_ingested"`
	RealtimeFeedbackEnabled bool               `json:"realtime_feedback_enabled"`
	FailedAttempts          int                `json:"failed_attempts"`
	FailedStatus            AgentStatus        `json:"failed_status,omitempty"`
	Suspended               bool               `json:"suspended"`
	FlaggedForReview        bool               `json:"flagged_for_review"`
	OutputMasked            bool               `json:"output_masked"`
	StrategyParams          map[string]int     `json:"strategy_params,omitempty"`
	ModelParams             map[string]float64 `json:"model_params,omitempty"`
}

func (a Agent) HasEngine(engineID string) bool {
	for _, id := range a.FeatureEngineIDs {
		if id == engineID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots never alias store-owned maps or slices.
func (a Agent) Clone() Agent {
	out := a
	out.FeatureEngineIDs = append([]string(nil), a.FeatureEngineIDs...)
	if a.GovernanceConfig != nil {
		cfg := *a.GovernanceConfig
		out.GovernanceConfig = &cfg
	}
	if a.StrategyParams != nil {
		out.StrategyParams = make(map[string]int, len(a.StrategyParams))
		for k, v := range a.StrategyParams {
			out.StrategyParams[k] = v
		}
	}
	if a.ModelParams != nil {
		out.ModelParams = make(map[string]float64, len(a.ModelParams))
		for k, v := range a.ModelParams {
			out.ModelParams[k] = v
		}
	}
	return out
}

type StrategyStep struct {
	Type   StepType       `json:"type" yaml:"type"`
	Config map[string]int `json:"config,omitempty" yaml:"config,omitempty"`
}

type Strategy struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StrategyStep `json:"steps" yaml:"steps"`
}

func (s Strategy) Clone() Strategy {
	out := s
	out.Steps = make([]StrategyStep, len(s.Steps))
	for i, step := range s.Steps {
		out.Steps[i] = StrategyStep{Type: step.Type}
		if step.Config != nil {
			out.Steps[i].Config = make(map[string]int, len(step.Config))
			for k, v := range step.Config {
				out.Steps[i].Config[k] = v
			}
		}
	}
	return out
}

type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

type ToolContract struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

type FeatureEngine struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Icon        string        `json:"icon"`
	Tool        *ToolContract `json:"tool,omitempty"`
}

func (e FeatureEngine) Callable() bool {
	return e.Tool != nil
}

type Log struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Stage     LogStage    `json:"stage"`
	Kind      LogKind     `json:"kind"`
	Status    AgentStatus `json:"status"`
	Message   string      `json:"message"`
	AgentID   string      `json:"agent_id"`
}

type GovernanceAction struct {
	ID            string                 `json:"id"`
	Type          GovernanceActionType   `json:"type"`
	AgentID       string                 `json:"agent_id"`
	Details       map[string]any         `json:"details,omitempty"`
	Justification string                 `json:"justification"`
	TriggerLogIDs []string               `json:"trigger_log_ids,omitempty"`
	Status        GovernanceActionStatus `json:"status"`
	Reason        string                 `json:"reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty"`
}

func (a GovernanceAction) Clone() GovernanceAction {
	out := a
	if a.Details != nil {
		out.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			out.Details[k] = v
		}
	}
	out.TriggerLogIDs = append([]string(nil), a.TriggerLogIDs...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type CampaignLog struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Failed    bool      `json:"failed,omitempty"`
}

type Campaign struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Objective string         `json:"objective"`
	AgentIDs  []string       `json:"agent_ids"`
	Status    CampaignStatus `json:"status"`
	Logs      []CampaignLog  `json:"logs"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (c Campaign) Clone() Campaign {
	out := c
	out.AgentIDs = append([]string(nil), c.AgentIDs...)
	out.Logs = append([]CampaignLog(nil), c.Logs...)
	return out
}

type SystemEventKind string

const (
	EventAgentCreated        SystemEventKind = "agent_created"
	EventAgentUpdated        SystemEventKind = "agent_updated"
	EventStrategyRegistered  SystemEventKind = "strategy_registered"
	EventLogAppended         SystemEventKind = "log_appended"
	EventActionProposed      SystemEventKind = "governance_action_proposed"
	EventActionApplied       SystemEventKind = "governance_action_applied"
	EventActionRejected      SystemEventKind = "governance_action_rejected"
	EventCampaignCreated     SystemEventKind = "campaign_created"
	EventCampaignStatus      SystemEventKind = "campaign_status_changed"
	EventCampaignLogAppended SystemEventKind = "campaign_log_appended"
	EventStoreRestored       SystemEventKind = "store_restored"
)

type SystemEvent struct {
	Seq      int64           `json:"seq"`
	Kind     SystemEventKind `json:"kind"`
	EntityID string          `json:"entity_id"`
	Command  string          `json:"command"`
	Detail   string          `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}

const SnapshotVersion = 1

type Snapshot struct {
	Version           int                `json:"version"`
	TakenAt           time.Time          `json:"taken_at"`
	Agents            []Agent            `json:"agents"`
	Strategies        []Strategy         `json:"strategies"`
	Logs              []Log              `json:"logs"`
	Campaigns         []Campaign         `json:"campaigns"`
	GovernanceActions []GovernanceAction `json:"governance_actions"`
	Events            []SystemEvent      `json:"events"`
}
