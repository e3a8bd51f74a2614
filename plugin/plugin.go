// Package plugin implements the kernel's plugin loader: dependency
// topological sort, typed per-category context construction, and
// forward/reverse lifecycle ordering.
package plugin

import (
	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/conversation"
	"github.com/brainkernel/brain/daemon"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/queue"
	"github.com/brainkernel/brain/template"
)

// Category is a closed set of plugin capability tiers, used to decide
// which typed Context a plugin receives.
type Category string

const (
	// Core plugins get the kernel's ambient primitives — a logger and a
	// clock — but no write access to any subsystem and no outward-facing
	// surface. This tier is for plugins that only observe.
	Core Category = "core"
	// Service plugins additionally get write access to entities and
	// templates, the ability to enqueue and register handlers for jobs,
	// bus publish/subscribe, daemon registration, and the AI gateway.
	// This is the tier most plugins register at.
	Service Category = "service"
	// Interface plugins additionally get routing/progress-ownership
	// conveniences: a bound InterfaceID, conversation storage, and
	// pre-bound Query/Subscribe helpers scoped to the kernel bus. This
	// tier is for plugins that expose a user-facing surface (chat
	// channel, CLI, webhook).
	Interface Category = "interface"
)

// CoreContext is handed to every Core-category plugin: the two things every
// tier needs and nothing else.
type CoreContext struct {
	Logger *logging.Logger
	Clock  clockid.Clock
}

// ServiceContext is handed to every Service-category plugin; it embeds
// CoreContext so a Service plugin's onRegister can use either shape.
type ServiceContext struct {
	CoreContext
	Entities    *entity.Store
	EntityTypes *entity.Registry
	Templates   *template.Registry
	Queue       *queue.Queue
	Bus         *bus.Bus
	Daemons     *daemon.Registry
	AI          aigateway.Gateway
}

// InterfaceContext is handed to every Interface-category plugin.
type InterfaceContext struct {
	ServiceContext
	InterfaceID   string
	Conversations *conversation.Store
	// Query is a pre-bound pass-through onto the kernel bus's
	// request/response aggregation, the same one Kernel.Query exposes.
	Query func(msgType string, payload any, target string) bus.Response
	// Subscribe registers a handler for msgType, optionally filtered by
	// target (an exact target or a "prefix:*" wildcard), and returns an
	// unsubscribe func — it is bus.Bus.Subscribe itself.
	Subscribe func(msgType string, handler bus.Handler, filter string) func()
}

// Plugin is one kernel extension. OnRegister is called once, after
// dependencies are registered, in topological order; OnShutdown is called
// in the reverse order during kernel shutdown.
type Plugin struct {
	ID           string
	Category     Category
	Dependencies []string
	OnRegister   func(ctx any) error
	OnShutdown   func(ctx any) error
}
