// Package participant implements the Participant facade (spec §3
// Ownership rules): "Participant owns Connection, ServiceDiscovery,
// Orchestration, and all Controllers it created. Controllers hold a
// non-owning back-reference to Participant for outbound sending."
//
// Grounded on the teacher's internal/app/session.Session, which owns one
// process's Connection, Discovery registry, and worker pool behind a
// single Start/Stop lifecycle — generalized here from a log-tailing
// session to the full federation membership it assembles: dial the
// Registry, announce local services, run the lifecycle/time-sync/
// discovery dispatch loop, and create bus controllers wired through the
// shared Router.
package participant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vectorbus/ibus/internal/config"
	"github.com/vectorbus/ibus/internal/config/logger"
	"github.com/vectorbus/ibus/internal/ibus/can"
	"github.com/vectorbus/ibus/internal/ibus/connection"
	"github.com/vectorbus/ibus/internal/ibus/discovery"
	ierrors "github.com/vectorbus/ibus/internal/ibus/errors"
	"github.com/vectorbus/ibus/internal/ibus/flexray"
	"github.com/vectorbus/ibus/internal/ibus/lin"
	"github.com/vectorbus/ibus/internal/ibus/messaging"
	"github.com/vectorbus/ibus/internal/ibus/metrics"
	"github.com/vectorbus/ibus/internal/ibus/model"
	"github.com/vectorbus/ibus/internal/ibus/orchestration"
	"github.com/vectorbus/ibus/internal/ibus/timesync"
	"github.com/vectorbus/ibus/internal/ibus/wire"
)

// Participant is one federation member's process-local facade: the
// Connection to the Registry, the local service-discovery table, the
// lifecycle/time-sync cores, and every controller it has created.
type Participant struct {
	mu sync.Mutex

	cfg  *config.Config
	name string
	log  logger.Logger

	conn   connection.Connection
	router *messaging.Router

	discovery discovery.Registry
	lifecycle *orchestration.Lifecycle
	monitor   *orchestration.Monitor
	sysCtrl   *orchestration.Controller
	scheduler *timesync.Scheduler

	metrics *metrics.Recorder

	canControllers     map[string]*can.Controller
	linControllers     map[string]*lin.Controller
	flexrayControllers map[string]*flexray.Controller

	startTime time.Time

	cancelDispatch context.CancelFunc
	dispatchDone   chan struct{}
}

// New creates a Participant named cfg.ParticipantName (or name, if the
// document left it blank), with an empty Router and Registry; Connect
// dials the Registry and starts the dispatch loop.
func New(cfg *config.Config, name string, log logger.Logger) *Participant {
	participantName := cfg.ParticipantName
	if participantName == "" {
		participantName = name
	}

	log = log.WithComponent("PARTICIPANT").WithComponent(participantName)

	p := &Participant{
		cfg:                cfg,
		name:                participantName,
		log:                log,
		router:             messaging.New(),
		discovery:          discovery.New(log),
		metrics:            metrics.New(participantName),
		canControllers:     make(map[string]*can.Controller),
		linControllers:     make(map[string]*lin.Controller),
		flexrayControllers: make(map[string]*flexray.Controller),
	}

	p.lifecycle = orchestration.New(participantName, p.onLocalStatus, log)
	p.monitor = orchestration.NewMonitor(log)
	p.sysCtrl = orchestration.NewController(p, log)
	p.scheduler = timesync.New(participantName, time.Millisecond, p.runTask, p.publishNextSimTask, log)

	return p
}

// Name returns the configured participant name.
func (p *Participant) Name() string { return p.name }

// Connect dials the Registry named in the configuration (spec §6), wires
// the Router's Uplink to the Connection, announces every locally created
// service, and starts the inbound dispatch loop.
func (p *Participant) Connect(ctx context.Context) error {
	conn, err := connection.Dial(p.cfg.RegistryURI)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.startTime = time.Now()
	p.mu.Unlock()

	// The Registry requires the very first message on a new connection to
	// be the ParticipantAnnouncement (spec §6); send it before wiring
	// anything that might itself send (the Uplink, the discovery replay
	// handler) so nothing can race ahead of it.
	announcement := model.ParticipantAnnouncement{ParticipantName: p.name, Services: p.discovery.LocalDescriptors()}
	if err := conn.Send(wire.Envelope{Type: wire.TypeParticipantAnnouncement, Payload: announcement}); err != nil {
		return fmt.Errorf("%w: %w", ierrors.ErrRegistryUnreachable, err)
	}

	p.router.SetUplink(func(env wire.Envelope, _ string) {
		if err := p.conn.Send(env); err != nil {
			p.log.Warn().Err(err).Msg("failed to relay envelope to registry")
		}
	})

	p.discovery.RegisterHandler(discovery.Filter{}, func(evt model.ServiceDiscoveryEvent) {
		if evt.Kind != model.ServiceCreated {
			return
		}
		p.sendEnvelope(wire.Envelope{
			Type:             wire.TypeServiceDiscoveryEvent,
			SenderDescriptor: evt.Descriptor,
			Payload:          evt,
		})
	})

	dispatchCtx, cancel := context.WithCancel(ctx)
	p.cancelDispatch = cancel
	p.dispatchDone = make(chan struct{})

	go p.dispatchLoop(dispatchCtx)

	return p.lifecycle.ServicesCreated(ctx)
}

// Disconnect stops the dispatch loop and closes the Connection.
func (p *Participant) Disconnect() error {
	if p.cancelDispatch != nil {
		p.cancelDispatch()
	}
	if p.dispatchDone != nil {
		<-p.dispatchDone
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Participant) sendEnvelope(env wire.Envelope) {
	if p.conn == nil {
		return
	}
	if err := p.conn.Send(env); err != nil {
		p.log.Warn().Err(err).Msg("failed to send envelope")
	}
}

// dispatchLoop is the single goroutine reading the Connection and fanning
// inbound envelopes out to the Router, service discovery, lifecycle
// monitor, and time-sync scheduler (spec §5: "a dispatcher thread ...
// delivers inbound messages to controllers sequentially").
func (p *Participant) dispatchLoop(ctx context.Context) {
	defer close(p.dispatchDone)

	for {
		env, err := p.conn.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Warn().Err(err).Msg("connection lost")
				return
			}
		}

		p.handleInbound(env)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Participant) handleInbound(env wire.Envelope) {
	switch env.Type {
	case wire.TypeParticipantAnnouncement:
		a, ok := env.Payload.(model.ParticipantAnnouncement)
		if !ok {
			return
		}
		for _, desc := range a.Services {
			p.discovery.ObserveRemote(model.ServiceDiscoveryEvent{Kind: model.ServiceCreated, Descriptor: desc})
		}

	case wire.TypeServiceDiscoveryEvent:
		evt, ok := env.Payload.(model.ServiceDiscoveryEvent)
		if !ok {
			return
		}
		p.discovery.ObserveRemote(evt)

	case wire.TypeParticipantStatus:
		status, ok := env.Payload.(model.ParticipantStatus)
		if !ok {
			return
		}
		p.monitor.UpdateStatus(status)

	case wire.TypeWorkflowConfiguration:
		cfg, ok := env.Payload.(model.WorkflowConfiguration)
		if !ok {
			return
		}
		p.monitor.SetRequiredParticipants(cfg.RequiredParticipants)
		p.scheduler.SetPeers(cfg.RequiredParticipants)

	case wire.TypeSystemCommand:
		cmd, ok := env.Payload.(model.SystemCommand)
		if !ok {
			return
		}
		p.onSystemCommand(cmd)

	case wire.TypeNextSimTask:
		next, ok := env.Payload.(model.NextSimTask)
		if !ok {
			return
		}
		p.scheduler.PeerNextTask(env.SenderDescriptor.ParticipantName, next)

	default:
		p.router.DeliverLocal(env, env.SenderDescriptor.NetworkName, remoteOwnerKey(env))
	}
}

func remoteOwnerKey(env wire.Envelope) string {
	return env.SenderDescriptor.ParticipantName + "::" + env.SenderDescriptor.ServiceName
}

func (p *Participant) onSystemCommand(cmd model.SystemCommand) {
	ctx := context.Background()

	switch cmd.Kind {
	case model.CommandRun:
		if err := p.lifecycle.Run(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Run command rejected by lifecycle")
		}
	case model.CommandStop:
		p.scheduler.Cancel()
		if err := p.lifecycle.Stop(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Stop command rejected by lifecycle")
		}
	case model.CommandShutdown:
		if err := p.lifecycle.Shutdown(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Shutdown command rejected by lifecycle")
		}
	case model.CommandAbortSimulation:
		p.scheduler.Cancel()
		if err := p.lifecycle.Abort(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Abort command rejected by lifecycle")
		}
	}
}

func (p *Participant) onLocalStatus(status model.ParticipantStatus) {
	p.monitor.UpdateStatus(status)
	p.sendEnvelope(wire.Envelope{
		Type:             wire.TypeParticipantStatus,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: p.name},
		Payload:          status,
	})
}

func (p *Participant) publishNextSimTask(next model.NextSimTask) {
	p.sendEnvelope(wire.Envelope{
		Type:             wire.TypeNextSimTask,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: p.name},
		Payload:          next,
	})
}

// PublishSystemCommand implements orchestration.Publisher.
func (p *Participant) PublishSystemCommand(cmd model.SystemCommand) {
	p.sendEnvelope(wire.Envelope{
		Type:             wire.TypeSystemCommand,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: p.name},
		Payload:          cmd,
	})
}

// PublishWorkflowConfiguration implements orchestration.Publisher.
func (p *Participant) PublishWorkflowConfiguration(cfg model.WorkflowConfiguration) {
	p.sendEnvelope(wire.Envelope{
		Type:             wire.TypeWorkflowConfiguration,
		SenderDescriptor: model.ServiceDescriptor{ParticipantName: p.name},
		Payload:          cfg,
	})
}

// SystemController returns this Participant's system-controller role,
// used only by the one participant configured as such.
func (p *Participant) SystemController() *orchestration.Controller { return p.sysCtrl }

// Lifecycle returns this Participant's lifecycle state machine.
func (p *Participant) Lifecycle() *orchestration.Lifecycle { return p.lifecycle }

// Monitor returns this Participant's SystemState monitor.
func (p *Participant) Monitor() *orchestration.Monitor { return p.monitor }

// SetSimulationTask installs the callback invoked on every granted time
// step and opts this participant into the given period/async mode
// (spec §4.2). Must be called before RunSimulation starts the scheduler.
func (p *Participant) SetSimulationTask(period time.Duration, async bool, task timesync.SimulationTask) {
	p.scheduler = timesync.New(p.name, period, task, p.publishNextSimTask, p.log)
	p.scheduler.SetAsync(async)
}

// RunSimulation blocks, driving the time-sync scheduler, until ctx is
// cancelled. A Stop or AbortSimulation command stops further time steps
// but does not end the call.
func (p *Participant) RunSimulation(ctx context.Context) {
	p.scheduler.Run(ctx)
}

// Now returns the wall-clock time elapsed since Connect (0 before
// Connect); it is the time provider shared by every controller this
// Participant creates. It does not follow the scheduler's simulated time.
func (p *Participant) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

func (p *Participant) runTask(now, duration time.Duration) {
	// Overridden by SetSimulationTask in the common case; the zero-value
	// task is a no-op tick, useful for participants that only host
	// controllers and never advance simulated time themselves.
}

// CreateCanController creates and registers a CAN controller named name on
// networkName (spec §4.4.1), resolving the effective network via the
// loaded configuration (spec §6 NetworkFor).
func (p *Participant) CreateCanController(name, programmaticNetwork string) (*can.Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.canControllers[name]; exists {
		return nil, fmt.Errorf("%w: CAN controller %s", ierrors.ErrDuplicateServiceName, name)
	}

	network := config.NetworkFor(p.cfg.CanControllers, name, programmaticNetwork)
	ctrl := can.New(p.name, name, network, p.router, p.Now, p.log)
	p.canControllers[name] = ctrl

	p.metrics.RegisterController("can", name)
	ctrl.RegisterFrameHandler(func(can.FrameEvent) { p.metrics.ObserveFrame("can", name) })

	p.discovery.AddLocal(model.ServiceDescriptor{ParticipantName: p.name, ServiceName: name, NetworkName: network, ServiceType: model.ServiceController})

	return ctrl, nil
}

// CreateLinController creates and registers a LIN controller named name on
// networkName (spec §4.4.2).
func (p *Participant) CreateLinController(name, programmaticNetwork string, isMaster bool) (*lin.Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.linControllers[name]; exists {
		return nil, fmt.Errorf("%w: LIN controller %s", ierrors.ErrDuplicateServiceName, name)
	}

	network := config.NetworkFor(p.cfg.LinControllers, name, programmaticNetwork)
	ctrl := lin.New(p.name, name, network, isMaster, p.router, p.Now, p.log)
	p.linControllers[name] = ctrl

	p.metrics.RegisterController("lin", name)
	ctrl.RegisterTransmissionHandler(func(lin.Transmission) { p.metrics.ObserveFrame("lin", name) })

	p.discovery.AddLocal(model.ServiceDescriptor{ParticipantName: p.name, ServiceName: name, NetworkName: network, ServiceType: model.ServiceController})

	return ctrl, nil
}

// CreateFlexrayController creates and registers a FlexRay controller named
// name on networkName (spec §4.4.3).
func (p *Participant) CreateFlexrayController(name, programmaticNetwork string) (*flexray.Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.flexrayControllers[name]; exists {
		return nil, fmt.Errorf("%w: FlexRay controller %s", ierrors.ErrDuplicateServiceName, name)
	}

	network := config.NetworkFor(p.cfg.FlexRayControllers, name, programmaticNetwork)
	ctrl := flexray.New(p.name, name, network, p.router, p.Now, p.log)
	p.flexrayControllers[name] = ctrl

	p.metrics.RegisterController("flexray", name)
	ctrl.RegisterFrameHandler(func(flexray.FrameEvent) { p.metrics.ObserveFrame("flexray", name) })

	p.discovery.AddLocal(model.ServiceDescriptor{ParticipantName: p.name, ServiceName: name, NetworkName: network, ServiceType: model.ServiceController})

	return ctrl, nil
}
