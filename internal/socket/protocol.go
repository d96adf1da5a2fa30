package socket

import (
	"encoding/json"
	"fmt"

	"github.com/takohq/tako/internal/core"
)

// Envelope is the common shape every control-socket request carries: a
// discriminator field plus the rest of the payload, decoded a second
// time into a command-specific struct once the discriminator is known.
type Envelope struct {
	Command string `json:"command"`
}

// HelloRequest is the handshake a client sends to announce its protocol
// version. The server does not require it before other commands.
type HelloRequest struct {
	Command         string `json:"command"`
	ProtocolVersion int    `json:"protocol_version"`
}

// SupportedProtocolVersion is the only protocol_version this server
// implements. A mismatched client is logged, not rejected — forward
// compatibility is the client's concern.
const SupportedProtocolVersion = 1

// DeployRequest asks the server to roll out a new version of an app,
// creating it first if it doesn't already exist.
type DeployRequest struct {
	Command   string            `json:"command"`
	App       string            `json:"app"`
	Version   string            `json:"version"`
	Run       []string          `json:"run"`
	Env       map[string]string `json:"env"`
	Routes    []RouteDTO        `json:"routes"`
	Instances int               `json:"instances"`
}

// RouteDTO is the wire representation of a core.Route.
type RouteDTO struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// ScaleRequest changes an app's desired instance count without
// deploying a new version.
type ScaleRequest struct {
	Command   string `json:"command"`
	App       string `json:"app"`
	Instances int    `json:"instances"`
}

// StopRequest stops every instance of an app and removes it from the
// registry.
type StopRequest struct {
	Command string `json:"command"`
	App     string `json:"app"`
}

// ReloadRequest names an app to reload. The server only checks that the
// app exists and answers ok; it does not re-read any config file or
// change the app's configuration.
type ReloadRequest struct {
	Command string `json:"command"`
	App     string `json:"app"`
}

// StatusRequest asks for one app's current instance snapshot.
type StatusRequest struct {
	Command string `json:"command"`
	App     string `json:"app"`
}

// ListRequest asks for every registered app's name and version.
type ListRequest struct {
	Command string `json:"command"`
}

// RoutesRequest asks for the current route table across every
// registered app.
type RoutesRequest struct {
	Command string `json:"command"`
}

// OKResponse is returned by commands with no interesting payload beyond
// success.
type OKResponse struct {
	Status string `json:"status"`
}

// DeployResponse reports the outcome of a deploy command.
type DeployResponse struct {
	Status         string   `json:"status"`
	RolloutID      string   `json:"rollout_id"`
	NewInstanceIDs []uint32 `json:"new_instance_ids"`
}

// InstanceDTO is the wire representation of one instance in a status
// response.
type InstanceDTO struct {
	ID      uint32 `json:"id"`
	Port    uint16 `json:"port"`
	State   string `json:"state"`
	InFlight int64 `json:"in_flight"`
}

// StatusResponse reports one app's instances.
type StatusResponse struct {
	Status    string        `json:"status"`
	App       string        `json:"app"`
	Version   string        `json:"version"`
	Instances []InstanceDTO `json:"instances"`
}

// AppSummaryDTO is one entry in a list response.
type AppSummaryDTO struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListResponse reports every registered app.
type ListResponse struct {
	Status string          `json:"status"`
	Apps   []AppSummaryDTO `json:"apps"`
}

// AppRoutesDTO is one app's entry in a routes response.
type AppRoutesDTO struct {
	Name   string     `json:"name"`
	Routes []RouteDTO `json:"routes"`
}

// RoutesResponse reports the current route table across every
// registered app.
type RoutesResponse struct {
	Status string         `json:"status"`
	Apps   []AppRoutesDTO `json:"apps"`
}

func toCoreRoutes(routes []RouteDTO) []core.Route {
	out := make([]core.Route, len(routes))
	for i, r := range routes {
		out[i] = core.Route{Host: r.Host, Path: r.Path}
	}
	return out
}

func fromCoreRoutes(routes []core.Route) []RouteDTO {
	out := make([]RouteDTO, len(routes))
	for i, r := range routes {
		out[i] = RouteDTO{Host: r.Host, Path: r.Path}
	}
	return out
}

func instanceToDTO(inst *core.Instance) InstanceDTO {
	return InstanceDTO{ID: inst.ID, Port: inst.Port, State: string(inst.State()), InFlight: inst.InFlight()}
}

// decodeOrProtocolError unmarshals line into dst, wrapping any failure
// as a KindProtocol *core.Error. The caller's connection stays open
// either way — a malformed line never closes the session.
func decodeOrProtocolError(line []byte, dst any) error {
	if err := json.Unmarshal(line, dst); err != nil {
		return core.Wrap(core.KindProtocol, "malformed request", err)
	}
	return nil
}

func peekCommand(line []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", core.Wrap(core.KindProtocol, "malformed request envelope", err)
	}
	if env.Command == "" {
		return "", core.NewError(core.KindProtocol, "missing command field")
	}
	return env.Command, nil
}

func unknownCommandError(cmd string) error {
	return core.NewError(core.KindProtocol, fmt.Sprintf("unknown command %q", cmd))
}
