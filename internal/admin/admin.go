// Package admin maps textual administrative commands — the contract the
// external TUI and CLI layers drive the orchestrator through — onto
// internal/manager operations (component O).
package admin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LEVOGNE/rush.sync.server/internal/manager"
)

// Result is the outcome of a dispatched command, suitable for rendering by
// whichever external surface issued it.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Dispatcher executes administrative commands against a Manager.
type Dispatcher struct {
	mgr *manager.Manager
}

// New builds a Dispatcher over mgr.
func New(mgr *manager.Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr}
}

// Dispatch parses and executes one command line. Recognized verbs: create
// [name] [port], start <selector>, stop <selector>, restart <selector>,
// cleanup <stopped|failed|all>, list, recovery.
func (d *Dispatcher) Dispatch(line string) Result {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Result{Success: false, Message: "empty command"}
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "create":
		return d.create(args)
	case "start":
		return d.selectorOp(args, d.mgr.Start, "started")
	case "stop":
		return d.selectorOp(args, d.mgr.Stop, "stopped")
	case "restart":
		return d.restart(args)
	case "cleanup":
		return d.cleanup(args)
	case "list":
		return d.list()
	case "recovery":
		return d.recovery()
	default:
		return Result{Success: false, Message: fmt.Sprintf("unknown command %q", verb)}
	}
}

func (d *Dispatcher) create(args []string) Result {
	name := ""
	port := 0
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return Result{Success: false, Message: "invalid port"}
		}
		port = p
	}

	id, err := d.mgr.Create(name, port)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("created %s", id)}
}

func (d *Dispatcher) selectorOp(args []string, op func(string) error, verb string) Result {
	if len(args) != 1 {
		return Result{Success: false, Message: "expected exactly one selector"}
	}
	if err := op(args[0]); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("%s %s", verb, args[0])}
}

func (d *Dispatcher) restart(args []string) Result {
	if len(args) != 1 {
		return Result{Success: false, Message: "expected exactly one selector"}
	}
	if err := d.mgr.Stop(args[0]); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	if err := d.mgr.Start(args[0]); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("restarted %s", args[0])}
}

func (d *Dispatcher) cleanup(args []string) Result {
	scope := "stopped"
	if len(args) > 0 {
		scope = strings.ToLower(args[0])
	}
	removed, err := d.mgr.Cleanup(scope)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("removed %d record(s)", removed)}
}

func (d *Dispatcher) list() Result {
	recs := d.mgr.List()
	lines := make([]string, 0, len(recs))
	for i, r := range recs {
		lines = append(lines, fmt.Sprintf("%d) %s %s:%d [%s]", i+1, r.Name, r.ID, r.Port, r.Status))
	}
	return Result{Success: true, Message: strings.Join(lines, "\n")}
}

func (d *Dispatcher) recovery() Result {
	if err := d.mgr.Recovery(); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: "recovery complete"}
}
