package socket

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/takohq/tako/internal/core"
	"github.com/takohq/tako/internal/logging"
	"github.com/takohq/tako/internal/rolling"
)

// PortAllocator hands out the next free port for a newly spawned
// instance of an app.
type PortAllocator func(appName string) (uint16, error)

// HealthURLBuilder builds the health-check URL for an instance of an
// app listening on a given port.
type HealthURLBuilder func(appName string, port uint16) string

// Server accepts connections on the control socket and dispatches each
// line to the registry and rolling updater.
type Server struct {
	SocketPath string
	Registry   *core.Registry
	Updater    *rolling.Updater
	AllocPort  PortAllocator
	HealthURL  HealthURLBuilder
	DevMode    bool
}

// PrepareSocketPath removes a stale socket file at path, if present,
// before listening. A Unix domain socket listen fails with
// "address already in use" if the path exists, even when nothing is
// listening on it anymore — this is exactly the case the stale-socket
// reaper cleans up for crashed instances, applied here to the control
// socket itself.
func PrepareSocketPath(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return core.Wrap(core.KindIO, "remove stale control socket", err)
		}
	}
	return nil
}

// Listen prepares the socket path and starts listening.
func Listen(path string) (net.Listener, error) {
	if err := PrepareSocketPath(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, core.Wrap(core.KindIO, "listen on control socket", err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is canceled. A panic in the
// accept loop itself is fatal — there is no way to recover a listener
// that panicked mid-accept without risking a silently-dead server — but
// a panic within one connection's handler is caught and logged, leaving
// every other connection unaffected.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return core.Wrap(core.KindIO, "accept control connection", err)
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("control connection handler panicked: %v", r)
		}
	}()

	if err := ServeConnection(conn, s.dispatch); err != nil {
		logging.Warnf("control connection ended: %v", err)
	}
}

func (s *Server) dispatch(line []byte) (response any, closeConn bool) {
	cmd, err := peekCommand(line)
	if err != nil {
		return NewErrorEnvelope(err), false
	}

	switch cmd {
	case "hello":
		var req HelloRequest
		if err := decodeOrProtocolError(line, &req); err != nil {
			return NewErrorEnvelope(err), false
		}
		if req.ProtocolVersion != SupportedProtocolVersion {
			logging.Warnf("client requested protocol_version %d, server supports %d", req.ProtocolVersion, SupportedProtocolVersion)
		}
		return OKResponse{Status: "ok"}, false
	case "deploy":
		return s.handleDeploy(line)
	case "scale":
		return s.handleScale(line)
	case "stop":
		return s.handleStop(line)
	case "reload":
		return s.handleReload(line)
	case "status":
		return s.handleStatus(line)
	case "list":
		return s.handleList(line)
	case "routes":
		return s.handleRoutes(line)
	default:
		return NewErrorEnvelope(unknownCommandError(cmd)), false
	}
}

func (s *Server) handleDeploy(line []byte) (any, bool) {
	var req DeployRequest
	if err := decodeOrProtocolError(line, &req); err != nil {
		return NewErrorEnvelope(err), false
	}

	app, ok := s.Registry.App(req.App)
	if !ok {
		var err error
		app, err = s.Registry.CreateApp(req.App, req.Version, toCoreRoutes(req.Routes))
		if err != nil {
			return NewErrorEnvelope(err), false
		}
	} else if len(req.Routes) > 0 {
		if err := s.Registry.UpdateRoutes(req.App, toCoreRoutes(req.Routes)); err != nil {
			return NewErrorEnvelope(err), false
		}
	}

	allocPort := func() (uint16, error) { return s.AllocPort(req.App) }
	healthURL := func(port uint16) string { return s.HealthURL(req.App, port) }

	result, err := s.Updater.Deploy(context.Background(), app, req.Run, req.Env, req.Instances, s.DevMode, allocPort, healthURL)
	if err != nil {
		return NewErrorEnvelope(err), false
	}
	app.SetVersion(req.Version)

	return DeployResponse{Status: "ok", RolloutID: result.RolloutID, NewInstanceIDs: result.NewInstanceIDs}, false
}

func (s *Server) handleScale(line []byte) (any, bool) {
	var req ScaleRequest
	if err := decodeOrProtocolError(line, &req); err != nil {
		return NewErrorEnvelope(err), false
	}
	app, ok := s.Registry.App(req.App)
	if !ok {
		return NewErrorEnvelope(core.NewError(core.KindNotFound, fmt.Sprintf("app %q not found", req.App))), false
	}

	// Reuse the command and env of a current instance so the scaled set
	// runs the same version.
	var command []string
	env := app.Config().Env
	for _, inst := range app.Instances() {
		command, env = inst.Command, inst.Env
		break
	}
	allocPort := func() (uint16, error) { return s.AllocPort(req.App) }
	healthURL := func(port uint16) string { return s.HealthURL(req.App, port) }

	result, err := s.Updater.Deploy(context.Background(), app, command, env, req.Instances, s.DevMode, allocPort, healthURL)
	if err != nil {
		return NewErrorEnvelope(err), false
	}
	return DeployResponse{Status: "ok", RolloutID: result.RolloutID, NewInstanceIDs: result.NewInstanceIDs}, false
}

func (s *Server) handleStop(line []byte) (any, bool) {
	var req StopRequest
	if err := decodeOrProtocolError(line, &req); err != nil {
		return NewErrorEnvelope(err), false
	}
	app, ok := s.Registry.App(req.App)
	if !ok {
		return NewErrorEnvelope(core.NewError(core.KindNotFound, fmt.Sprintf("app %q not found", req.App))), false
	}
	for _, inst := range app.Instances() {
		if p := inst.Process(); p != nil {
			_ = p.Kill()
		}
		inst.SetState(core.StateStopped)
		app.RemoveInstance(inst.ID)
	}
	if err := s.Registry.RemoveApp(req.App); err != nil {
		return NewErrorEnvelope(err), false
	}
	return OKResponse{Status: "ok"}, false
}

func (s *Server) handleReload(line []byte) (any, bool) {
	var req ReloadRequest
	if err := decodeOrProtocolError(line, &req); err != nil {
		return NewErrorEnvelope(err), false
	}
	if _, ok := s.Registry.App(req.App); !ok {
		return NewErrorEnvelope(core.NewError(core.KindNotFound, fmt.Sprintf("app %q not found", req.App))), false
	}
	// Only the app's existence is checked. No static config file is
	// re-read and App.UpdateConfig is not called, here or in the cmd
	// entrypoints.
	return OKResponse{Status: "ok"}, false
}

func (s *Server) handleStatus(line []byte) (any, bool) {
	var req StatusRequest
	if err := decodeOrProtocolError(line, &req); err != nil {
		return NewErrorEnvelope(err), false
	}
	app, ok := s.Registry.App(req.App)
	if !ok {
		return NewErrorEnvelope(core.NewError(core.KindNotFound, fmt.Sprintf("app %q not found", req.App))), false
	}
	instances := app.Instances()
	dtos := make([]InstanceDTO, len(instances))
	for i, inst := range instances {
		dtos[i] = instanceToDTO(inst)
	}
	return StatusResponse{Status: "ok", App: app.Name, Version: app.Version(), Instances: dtos}, false
}

func (s *Server) handleList(line []byte) (any, bool) {
	apps := s.Registry.Apps()
	dtos := make([]AppSummaryDTO, len(apps))
	for i, app := range apps {
		dtos[i] = AppSummaryDTO{Name: app.Name, Version: app.Version()}
	}
	return ListResponse{Status: "ok", Apps: dtos}, false
}

func (s *Server) handleRoutes(line []byte) (any, bool) {
	apps := s.Registry.Apps()
	dtos := make([]AppRoutesDTO, len(apps))
	for i, app := range apps {
		dtos[i] = AppRoutesDTO{Name: app.Name, Routes: fromCoreRoutes(app.Routes())}
	}
	return RoutesResponse{Status: "ok", Apps: dtos}, false
}
