package orchestration

import (
	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/model"
)

// Publisher sends a wire-level message to the federation. Participant
// satisfies this for SystemCommand and WorkflowConfiguration broadcast.
type Publisher interface {
	PublishSystemCommand(cmd model.SystemCommand)
	PublishWorkflowConfiguration(cfg model.WorkflowConfiguration)
}

// Controller is the System Controller role (spec §4.1): "exactly one
// participant may be designated system controller. It publishes
// SystemCommands." A Participant designated as system controller embeds
// one of these.
type Controller struct {
	pub Publisher
	log logger.Logger
}

// NewController creates a Controller that publishes through pub.
func NewController(pub Publisher, log logger.Logger) *Controller {
	return &Controller{pub: pub, log: log.WithComponent("SYSTEMCONTROLLER")}
}

// SetWorkflowConfiguration broadcasts the required-participant set to the
// participants connected at the time of the call. Neither Controller nor
// the Registry retains it: a participant that connects later does not
// receive it.
func (c *Controller) SetWorkflowConfiguration(requiredParticipants []string) {
	c.log.Info().Msgf("workflow configuration: %d required participants", len(requiredParticipants))
	c.pub.PublishWorkflowConfiguration(model.WorkflowConfiguration{RequiredParticipants: requiredParticipants})
}

// Run broadcasts SystemCommand::Run.
func (c *Controller) Run() { c.publish(model.CommandRun) }

// Stop broadcasts SystemCommand::Stop.
func (c *Controller) Stop() { c.publish(model.CommandStop) }

// Shutdown broadcasts SystemCommand::Shutdown.
func (c *Controller) Shutdown() { c.publish(model.CommandShutdown) }

// AbortSimulation broadcasts SystemCommand::AbortSimulation, which every
// participant's Lifecycle treats as overriding any current state
// (spec §4.1).
func (c *Controller) AbortSimulation() { c.publish(model.CommandAbortSimulation) }

func (c *Controller) publish(kind model.SystemCommandKind) {
	cmd := model.SystemCommand{Kind: kind}
	c.log.Info().Msgf("broadcasting system command %d", kind)
	c.pub.PublishSystemCommand(cmd)
}
