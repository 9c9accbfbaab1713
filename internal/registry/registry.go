// Package registry holds the static descriptors of all collectors. A
// descriptor tells the scheduler which catalogue entries a collector works
// on, in which order it runs, and how its commands are built and analyzed.
package registry

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

var (
	ErrUnknownCollector   = errors.New("unknown collector")
	ErrDuplicateCollector = errors.New("duplicate collector")
	ErrPanic              = errors.New("collector panicked")
)

// PanicError is returned by the Descriptor wrappers when collector code
// panics. It unwraps to ErrPanic.
type PanicError struct {
	Collector string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("collector %s panicked: %v", e.Collector, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrPanic
}

// Capability is implemented by every collector
type Capability interface {
	// BuildCommands returns the commands to execute for target. No command
	// is a valid answer. The producer fills in Collector and Target.
	BuildCommands(target model.Target, opts model.Options) ([]model.CommandSpec, error)
	// AnalyzeOutput turns captured output into catalogue enrichments. It is
	// called for every finished command, even a failed one.
	AnalyzeOutput(out model.Output) ([]model.Event, error)
}

// Matcher selects services either by protocol and port or by the nmap
// service name
type Matcher struct {
	Protocol string
	Port     uint16
	NmapName string
}

func Port(protocol string, port uint16) Matcher {
	return Matcher{Protocol: protocol, Port: port}
}

func NmapName(name string) Matcher {
	return Matcher{NmapName: name}
}

func (m Matcher) Matches(svc model.Service) bool {
	if m.NmapName != "" {
		return strings.EqualFold(m.NmapName, svc.NmapName)
	}
	return strings.EqualFold(m.Protocol, svc.Protocol) && m.Port == svc.Port
}

func (m Matcher) String() string {
	if m.NmapName != "" {
		return m.NmapName
	}
	return fmt.Sprintf("%s/%d", m.Protocol, m.Port)
}

// SuccessFunc decides whether a command which exited normally completed or failed
type SuccessFunc func(out model.Output) bool

// ExitZero is the default success predicate
func ExitZero(out model.Output) bool {
	return out.ExitCode == 0
}

type Descriptor struct {
	Name        string
	Description string
	Level       model.Level
	// Matchers apply to service level collectors, any match selects the service
	Matchers []Matcher
	// Priority orders collectors, lower runs first
	Priority int
	// Vhost collectors are expanded to host names resolving to the service address
	Vhost bool
	// Success defaults to ExitZero
	Success SuccessFunc
	Capability
}

func (d Descriptor) MatchesService(svc model.Service) bool {
	for _, m := range d.Matchers {
		if m.Matches(svc) {
			return true
		}
	}
	return false
}

// Succeeded applies the success predicate to the output of a command which
// exited normally
func (d Descriptor) Succeeded(out model.Output) (ok bool, err error) {
	defer d.recoverPanic(&err)
	if d.Success == nil {
		return ExitZero(out), nil
	}
	return d.Success(out), nil
}

// Build calls BuildCommands
func (d Descriptor) Build(target model.Target, opts model.Options) (specs []model.CommandSpec, err error) {
	defer d.recoverPanic(&err)
	return d.BuildCommands(target, opts)
}

// Analyze calls AnalyzeOutput
func (d Descriptor) Analyze(out model.Output) (events []model.Event, err error) {
	defer d.recoverPanic(&err)
	return d.AnalyzeOutput(out)
}

func (d Descriptor) recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Collector: d.Name, Value: r, Stack: debug.Stack()}
	}
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("collector without name")
	}
	if _, err := model.ParseLevel(string(d.Level)); err != nil {
		return fmt.Errorf("collector %s: %w", d.Name, err)
	}
	if d.Level == model.LevelService && len(d.Matchers) == 0 {
		return fmt.Errorf("collector %s: service collector without matchers", d.Name)
	}
	if d.Vhost && d.Level != model.LevelService {
		return fmt.Errorf("collector %s: only service collectors can expand virtual hosts", d.Name)
	}
	if d.Capability == nil {
		return fmt.Errorf("collector %s: missing capability", d.Name)
	}
	return nil
}

// Registry is the immutable, ordered set of collectors
type Registry struct {
	descs  []Descriptor
	byName map[string]int
}

// New returns a registry. Declaration order breaks priority ties.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(descs))}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byName[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCollector, d.Name)
		}
		r.byName[d.Name] = len(r.descs)
		r.descs = append(r.descs, d)
	}
	return r, nil
}

// All returns every collector in execution order
func (r *Registry) All() []Descriptor {
	return r.sorted(slices.Clone(r.descs))
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.descs[i], true
}

// ListCollectors returns the selected collectors in execution order. All
// unknown names are reported at once.
func (r *Registry) ListCollectors(selected []string) ([]Descriptor, error) {
	var (
		ret  []Descriptor
		errs []error
		seen = make(map[string]struct{}, len(selected))
	)
	for _, name := range selected {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		d, ok := r.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownCollector, name))
			continue
		}
		ret = append(ret, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r.sorted(ret), nil
}

func (r *Registry) sorted(descs []Descriptor) []Descriptor {
	slices.SortStableFunc(descs, func(a, b Descriptor) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return r.byName[a.Name] - r.byName[b.Name]
	})
	return descs
}

// Tiers groups ordered collectors by priority. All commands of a tier are
// finished before the next tier is produced.
func Tiers(descs []Descriptor) [][]Descriptor {
	var tiers [][]Descriptor
	for i, d := range descs {
		if i == 0 || descs[i-1].Priority != d.Priority {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], d)
	}
	return tiers
}
