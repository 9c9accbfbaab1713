package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status of a persisted command
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// ParseRestart parses the --restart values. Only terminal statuses can be re-armed.
func ParseRestart(values []string) ([]Status, error) {
	var ret []Status
	seen := make(map[Status]struct{}, len(values))
	for _, v := range values {
		st, err := ParseStatus(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		if !st.Terminal() {
			return nil, fmt.Errorf("%w: %q can't be restarted, expected failed, terminated or completed", ErrInvalidStatus, v)
		}
		if _, ok := seen[st]; ok {
			continue
		}
		seen[st] = struct{}{}
		ret = append(ret, st)
	}
	return ret, nil
}

// CommandSpec is what a collector asks to execute for a target
type CommandSpec struct {
	Collector string
	Target    Target
	Argv      []string
	// Timeout overrides the global --timeout when non-zero
	Timeout time.Duration
	// Delay overrides the global pacing when set
	Delay *time.Duration
}

// Fingerprint identifies the argument vector. Together with the collector and
// the target it forms the unique key of a command.
func (s CommandSpec) Fingerprint() string {
	h := sha256.New()
	for _, a := range s.Argv {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	h.Write([]byte(s.Target.HostName))
	return hex.EncodeToString(h.Sum(nil))
}

// CommandKey is the unique key of a persisted command
type CommandKey struct {
	Workspace   int64
	Collector   string
	TargetKind  Level
	TargetID    int64
	Fingerprint string
}

func (s CommandSpec) Key() CommandKey {
	return CommandKey{
		Workspace:   s.Target.Workspace,
		Collector:   s.Collector,
		TargetKind:  s.Target.Kind,
		TargetID:    s.Target.EntityID(),
		Fingerprint: s.Fingerprint(),
	}
}

// Command is a persisted CommandSpec with its lifecycle
type Command struct {
	ID int64
	CommandSpec
	Status   Status
	RunID    string
	Created  time.Time
	Started  time.Time
	Finished time.Time
	ExitCode *int
	Stdout   []byte
	Stderr   []byte
}

// String renders the argument vector for the console and logs
func (s CommandSpec) String() string {
	var sb strings.Builder
	for i, a := range s.Argv {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if a == "" || strings.ContainsAny(a, " \t\n'\"$|&;<>*?") {
			sb.WriteString("'" + strings.ReplaceAll(a, "'", `'\''`) + "'")
			continue
		}
		sb.WriteString(a)
	}
	return sb.String()
}

// Output is the captured result of a command handed to the collector analyzer
type Output struct {
	Command  Command
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Outcome is what the worker records once a command stops
type Outcome struct {
	Status   Status
	ExitCode *int
	Stdout   []byte
	Stderr   []byte
	Finished time.Time
}
