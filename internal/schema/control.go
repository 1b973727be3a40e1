package schema

// Lifecycle enumerates orchestrator lifecycle phases.
type Lifecycle string

const (
	// LifecycleStarting is published while components spin up.
	LifecycleStarting Lifecycle = "STARTING"
	// LifecycleRunning is published once all components started.
	LifecycleRunning Lifecycle = "RUNNING"
	// LifecycleStopping is published when shutdown begins.
	LifecycleStopping Lifecycle = "STOPPING"
	// LifecycleStopped is published after all cleanups drained.
	LifecycleStopped Lifecycle = "STOPPED"
)

// ControlState is the orchestrator's broadcast state.
type ControlState struct {
	Lifecycle Lifecycle `json:"lifecycle"`
	Paused    bool      `json:"paused"`
	RunID     string    `json:"runId"`
	TS        int64     `json:"ts"`
}

// CommandName enumerates operator commands accepted on control:command.
type CommandName string

const (
	// CommandShutdown requests orchestrated shutdown.
	CommandShutdown CommandName = "shutdown"
	// CommandPause toggles the paused flag on.
	CommandPause CommandName = "pause"
	// CommandResume toggles the paused flag off.
	CommandResume CommandName = "resume"
	// CommandStatus re-publishes the current control state.
	CommandStatus CommandName = "status"
)

// ControlCommand is an operator command translated onto the bus.
type ControlCommand struct {
	Name CommandName    `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}
